package profile

import (
	"log/slog"
	"strings"
	"time"
)

// Display mappings from the stored metadata enums to the Italian
// phrasing the model sees. Unknown values are dropped, not guessed.
var jumpsLabels = map[string]string{
	"0_10":     "0 - 10",
	"11_50":    "11 - 50",
	"51_150":   "51 - 150",
	"151_300":  "151 - 300",
	"301_1000": "301 - 1000",
	"1000+":    "1000+",
}

var qualificationLabels = map[string]string{
	"NO_PARACADUTISMO": "non ha mai fatto paracadutismo",
	"ALLIEVO":          "allievo senza licenza",
	"LICENZIATO":       "qualifica: Paracadutista licenziato",
	"DL":               "qualifica: possiede la licenza di paracadutismo e la qualifica Direttore di lancio",
	"IP":               "qualifica: possiede la qualifica da Istruttore di paracadutismo",
}

var sexLabels = map[string]string{
	"MASCHIO":     "Maschio",
	"FEMMINA":     "Femmina",
	"SCONOSCIUTO": "Preferisce non dirlo",
}

// FormatMetadata renders the profile block injected into the system
// context. Empty metadata still yields the current date line so the
// model always knows what day it is.
func FormatMetadata(md Metadata, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}
	dateLine := "Oggi è il " + time.Now().Format("2006-01-02")

	if md.IsZero() {
		return "\n" + dateLine + "\n"
	}

	lines := []string{"I dati che l'utente ti ha fornito su di sè sono:"}

	if md.DateOfBirth != "" {
		lines = append(lines, "Data di Nascita: "+md.DateOfBirth)
	}
	if v := lookup(md.Jumps, jumpsLabels, "jumps", logger); v != "" {
		lines = append(lines, "Numero di salti: "+v)
	}
	if md.PreferredDropzone != "" {
		lines = append(lines, "Dropzone preferita: "+md.PreferredDropzone)
	}
	if v := lookup(md.Qualifications, qualificationLabels, "qualifications", logger); v != "" {
		lines = append(lines, v)
	}
	if md.Name != "" {
		lines = append(lines, "Nome: "+md.Name)
	}
	if md.Surname != "" {
		lines = append(lines, "Cognome: "+md.Surname)
	}
	if v := lookup(md.Sex, sexLabels, "sex", logger); v != "" {
		lines = append(lines, "Sesso: "+v)
	}

	lines = append(lines, "", dateLine)
	return strings.Join(lines, "\n") + "\n"
}

func lookup(value string, labels map[string]string, field string, logger *slog.Logger) string {
	if value == "" {
		return ""
	}
	label, ok := labels[value]
	if !ok {
		logger.Warn("unrecognized profile field value", "field", field, "value", value)
		return ""
	}
	return label
}

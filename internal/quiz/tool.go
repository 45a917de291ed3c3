package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/maxvaega/serverless-AIR-coach/internal/tools"
)

// ToolName is the name the model uses to request an exam question.
const ToolName = "domanda_teoria"

const toolDescription = `Recupera e presenta all'utente una domanda d'esame per la teoria della licenza di paracadutismo.
Usare SEMPRE questo strumento quando l'utente vuole simulare un quiz d'esame, iniziarlo o continuarlo.
NON usare per rispondere a domande generiche sulla teoria.

Le quattro modalità sono MUTUALMENTE ESCLUSIVE, scegline UNA sola:
1. Domanda casuale (simulazione d'esame): nessun parametro.
2. Domanda casuale da un capitolo: solo 'capitolo'.
3. Domanda specifica: 'capitolo' e 'domanda'.
4. Ricerca per argomento o testo: solo 'testo'.

L'output contiene 'risposta_corretta': usala per verificare la risposta
dell'utente, senza rivelarla in anticipo.`

// NewTool builds the domanda_teoria tool over a question store.
// Lookup failures are reported to the model as data, never as errors,
// so the agent can phrase them for the user.
func NewTool(store *Store, logger *slog.Logger) *tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", ToolName)

	return &tools.Tool{
		Name:        ToolName,
		Description: toolDescription,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"capitolo": map[string]any{
					"type":        "integer",
					"description": "Numero del capitolo (1-10)",
				},
				"domanda": map[string]any{
					"type":        "integer",
					"description": "Numero della domanda all'interno del capitolo",
				},
				"testo": map[string]any{
					"type":        "string",
					"description": "Testo o argomento da cercare nelle domande",
				},
			},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return serve(ctx, store, logger, args)
		},
	}
}

func serve(ctx context.Context, store *Store, logger *slog.Logger, args map[string]any) (string, error) {
	capitolo, hasCapitolo := intArg(args, "capitolo")
	domanda, hasDomanda := intArg(args, "domanda")
	testo := textArg(args, "testo")

	var (
		q   *Question
		err error
	)
	switch {
	case testo != "":
		logger.Info("searching question by text", "testo", testo)
		q, err = store.SearchText(ctx, testo)
		if err == nil && q == nil {
			return errorPayload(fmt.Sprintf("Nessuna domanda trovata per il testo '%s'. Prova con parole diverse.", testo))
		}

	case hasCapitolo:
		if capitolo < MinChapter || capitolo > MaxChapter {
			logger.Warn("chapter out of range", "capitolo", capitolo)
			return errorPayload(fmt.Sprintf("capitolo numero %d inesistente, riprovare con un capitolo da 1 a 10", capitolo))
		}
		if hasDomanda {
			logger.Info("fetching specific question", "capitolo", capitolo, "domanda", domanda)
			q, err = store.ByChapterAndNumber(ctx, capitolo, domanda)
			if err == nil && q == nil {
				return errorPayload(fmt.Sprintf("Domanda numero %d non trovata nel capitolo %d.", domanda, capitolo))
			}
		} else {
			logger.Info("fetching random question from chapter", "capitolo", capitolo)
			q, err = store.RandomByChapter(ctx, capitolo)
			if err == nil && q == nil {
				return errorPayload(fmt.Sprintf("Nessuna domanda trovata per il capitolo %d. per favore riprova tra poco", capitolo))
			}
		}

	default:
		logger.Info("fetching random question")
		q, err = store.Random(ctx)
		if err == nil && q == nil {
			return errorPayload("Nessuna domanda trovata nel database")
		}
	}

	if err != nil {
		return "", fmt.Errorf("domanda_teoria: %w", err)
	}

	out, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("domanda_teoria: marshal question: %w", err)
	}
	return string(out), nil
}

func errorPayload(msg string) (string, error) {
	out, err := json.Marshal(map[string]string{"error": "Domanda teoria: " + msg})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// intArg extracts an integer argument. Empty strings and nulls count
// as absent; the model sometimes sends numbers as strings.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false
		}
		var n int
		if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func textArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

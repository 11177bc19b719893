// Package diceroller provides a built-in tool set for resolving dice rolls
// and random table lookups, registered with internal/toolregistry.
//
// Two tools are exported via [Tools]:
//   - "roll"       — evaluates a standard dice expression (e.g. "2d6+3").
//   - "roll_table" — rolls on a named in-memory random table.
//
// All handlers are safe for concurrent use. Randomness uses [math/rand/v2]
// with a per-process automatically-seeded source.
package diceroller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/voxrelay/voxrelay/internal/toolregistry"
)

// rollResult is the JSON-encoded output of the "roll" tool.
type rollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Total      int    `json:"total"`
}

// rollTableResult is the JSON-encoded output of the "roll_table" tool.
type rollTableResult struct {
	Table  string `json:"table"`
	Roll   int    `json:"roll"`
	Result string `json:"result"`
}

// parseExpression parses a dice expression of the form NdS, NdS+M, or NdS-M.
// N is the number of dice (defaults to 1 when omitted), S is the number of
// sides (must be ≥ 1), and M is an optional integer modifier (may be negative).
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	dIdx := strings.Index(expr, "d")
	if dIdx == -1 {
		return 0, 0, 0, fmt.Errorf("diceroller: invalid expression %q: missing 'd' separator", expr)
	}

	countStr := expr[:dIdx]
	if countStr == "" {
		count = 1
	} else {
		count, err = strconv.Atoi(countStr)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid dice count %q in expression %q", countStr, expr)
		}
	}
	if count < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: dice count must be ≥ 1, got %d in expression %q", count, expr)
	}

	rest := expr[dIdx+1:]
	plusIdx := strings.Index(rest, "+")
	minusIdx := strings.Index(rest, "-")

	switch {
	case plusIdx != -1:
		sides, err = strconv.Atoi(rest[:plusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:plusIdx], expr)
		}
		modifier, err = strconv.Atoi(rest[plusIdx+1:])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[plusIdx+1:], expr)
		}

	case minusIdx != -1:
		sides, err = strconv.Atoi(rest[:minusIdx])
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest[:minusIdx], expr)
		}
		mod, err2 := strconv.Atoi(rest[minusIdx+1:])
		if err2 != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid modifier %q in expression %q", rest[minusIdx+1:], expr)
		}
		modifier = -mod

	default:
		sides, err = strconv.Atoi(rest)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("diceroller: invalid sides %q in expression %q", rest, expr)
		}
	}

	if sides < 1 {
		return 0, 0, 0, fmt.Errorf("diceroller: sides must be ≥ 1, got %d in expression %q", sides, expr)
	}

	return count, sides, modifier, nil
}

// rollHandler implements the "roll" tool. It parses the dice expression out
// of args, performs the rolls, and returns a JSON-encoded [rollResult].
func rollHandler(_ context.Context, args map[string]any) (string, error) {
	expression, _ := args["expression"].(string)
	if expression == "" {
		return "", fmt.Errorf("diceroller: expression must not be empty")
	}

	count, sides, modifier, err := parseExpression(expression)
	if err != nil {
		return "", err
	}

	rolls := make([]int, count)
	total := modifier
	for i := range count {
		r := rand.IntN(sides) + 1
		rolls[i] = r
		total += r
	}

	res, err := json.Marshal(rollResult{
		Expression: expression,
		Rolls:      rolls,
		Total:      total,
	})
	if err != nil {
		return "", fmt.Errorf("diceroller: failed to encode result: %w", err)
	}
	return string(res), nil
}

// rollTableHandler implements the "roll_table" tool. It looks up the named
// table, rolls an appropriate die, and returns the matching entry as a
// JSON-encoded [rollTableResult].
func rollTableHandler(_ context.Context, args map[string]any) (string, error) {
	tableName, _ := args["table_name"].(string)

	entries, ok := builtinTables[tableName]
	if !ok {
		known := make([]string, 0, len(builtinTables))
		for k := range builtinTables {
			known = append(known, k)
		}
		return "", fmt.Errorf("diceroller: unknown table %q; available tables: %v", tableName, known)
	}

	roll := rand.IntN(len(entries)) + 1 // 1-based die result
	result := entries[roll-1]

	res, err := json.Marshal(rollTableResult{
		Table:  tableName,
		Roll:   roll,
		Result: result,
	})
	if err != nil {
		return "", fmt.Errorf("diceroller: failed to encode result: %w", err)
	}
	return string(res), nil
}

// builtinTables holds the in-memory random tables available to roll_table.
// Entries are 1-indexed by roll value; the slice index is roll-1.
var builtinTables = map[string][]string{
	"coin_flip": {"Heads.", "Tails."},
	"yes_no_maybe": {
		"Yes.",
		"No.",
		"Maybe, ask again later.",
		"Yes, but with a catch.",
		"Unclear — try rephrasing the question.",
		"Absolutely.",
	},
	"conversation_starter": {
		"Ask about the weather where the other person lives.",
		"Ask what they're working on this week.",
		"Suggest a book on a topic they mentioned earlier.",
		"Ask if they want a summary of what's been discussed so far.",
		"Offer to set a reminder for a follow-up.",
		"Ask if there's anything else they'd like help with today.",
	},
}

// Tools returns the built-in dice-roller tool set ready for registration
// with [toolregistry.Registry].
//
// The returned tools are:
//   - "roll": evaluates a dice expression such as "2d6+3".
//   - "roll_table": rolls on a named built-in random table.
func Tools() []toolregistry.Tool {
	return []toolregistry.Tool{
		{
			Definition: toolregistry.ToolDefinition{
				Name:        "roll",
				Description: "Evaluate a dice expression and return each individual die result and the total. Supports standard notation such as 2d6+3, 1d20, or 4d8-1.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{
							"type":        "string",
							"description": "Dice expression to evaluate, e.g. 2d6+3, 1d20, 4d8-1",
						},
					},
					"required": []string{"expression"},
				},
			},
			Execute: rollHandler,
		},
		{
			Definition: toolregistry.ToolDefinition{
				Name:        "roll_table",
				Description: "Roll on a named random table and return the result.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"table_name": map[string]any{
							"type":        "string",
							"description": "Name of the random table to roll on.",
							"enum":        []string{"coin_flip", "yes_no_maybe", "conversation_starter"},
						},
					},
					"required": []string{"table_name"},
				},
			},
			Execute: rollTableHandler,
		},
	}
}

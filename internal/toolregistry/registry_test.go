package toolregistry

import (
	"context"
	"errors"
	"testing"
)

func echoTool(name string) Tool {
	return Tool{
		Definition: ToolDefinition{Name: name, Description: "echoes its input"},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "ok", nil
		},
	}
}

func TestRegisterAndExecute(t *testing.T) {
	r := New()
	if err := r.Register(echoTool("roll_dice")); err != nil {
		t.Fatalf("Register: %v", err)
	}

	out, err := r.Execute(context.Background(), "roll_dice", nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ok" {
		t.Fatalf("Execute output = %q, want %q", out, "ok")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := New()
	_, err := r.Execute(context.Background(), "does_not_exist", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool, got nil")
	}
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("Execute error does not wrap ErrUnknownTool: %v", err)
	}
}

func TestExecuteWrapsHandlerError(t *testing.T) {
	r := New()
	sentinel := errors.New("boom")
	r.Register(Tool{
		Definition: ToolDefinition{Name: "explode"},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "", sentinel
		},
	})

	_, err := r.Execute(context.Background(), "explode", nil)
	if !errors.Is(err, sentinel) {
		t.Fatalf("Execute error does not wrap sentinel: %v", err)
	}
}

func TestRegisterRejectsEmptyNameOrNilHandler(t *testing.T) {
	r := New()
	if err := r.Register(Tool{Definition: ToolDefinition{Name: ""}, Execute: func(ctx context.Context, args map[string]any) (string, error) { return "", nil }}); err == nil {
		t.Fatal("expected error for empty tool name")
	}
	if err := r.Register(Tool{Definition: ToolDefinition{Name: "no_handler"}}); err == nil {
		t.Fatal("expected error for nil handler")
	}
}

func TestDefinitionsPreservesInsertionOrder(t *testing.T) {
	r := New()
	r.Register(echoTool("c"))
	r.Register(echoTool("a"))
	r.Register(echoTool("b"))

	defs := r.Definitions()
	got := []string{defs[0].Name, defs[1].Name, defs[2].Name}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Definitions order = %v, want %v", got, want)
		}
	}
}

func TestUnregisterRemovesFromOrderAndMap(t *testing.T) {
	r := New()
	r.Register(echoTool("a"))
	r.Register(echoTool("b"))
	r.Unregister("a")

	if _, ok := r.Get("a"); ok {
		t.Fatal("Get found tool after Unregister")
	}
	defs := r.Definitions()
	if len(defs) != 1 || defs[0].Name != "b" {
		t.Fatalf("Definitions after Unregister = %v, want only %q", defs, "b")
	}
}

func TestRegisterReplaceKeepsPosition(t *testing.T) {
	r := New()
	r.Register(echoTool("a"))
	r.Register(echoTool("b"))
	r.Register(Tool{
		Definition: ToolDefinition{Name: "a", Description: "replaced"},
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return "replaced", nil
		},
	})

	defs := r.Definitions()
	if defs[0].Name != "a" || defs[0].Description != "replaced" {
		t.Fatalf("replace did not keep position or update definition: %v", defs)
	}
}

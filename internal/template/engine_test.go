package template

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestEngine_Validate(t *testing.T) {
	engine := NewEngine()

	tests := []struct {
		name    string
		c       Components
		wantErr bool
	}{
		{
			name:    "valid template",
			c:       Components{Body: Body{Text: "Hi {{1}}, today: {{2}}", Examples: []string{"Asha", "news"}}},
			wantErr: false,
		},
		{
			name:    "empty body",
			c:       Components{Body: Body{Text: "   "}},
			wantErr: true,
		},
		{
			name:    "gap in placeholders",
			c:       Components{Body: Body{Text: "Hi {{1}} {{3}}"}},
			wantErr: true,
		},
		{
			name:    "example count mismatch",
			c:       Components{Body: Body{Text: "Hi {{1}}", Examples: []string{"a", "b"}}},
			wantErr: true,
		},
		{
			name:    "body too long",
			c:       Components{Body: Body{Text: strings.Repeat("x", 1025)}},
			wantErr: true,
		},
		{
			name:    "image header",
			c:       Components{Header: &Header{Format: "IMAGE"}, Body: Body{Text: "Hi"}},
			wantErr: false,
		},
		{
			name:    "text header without text",
			c:       Components{Header: &Header{Format: "TEXT"}, Body: Body{Text: "Hi"}},
			wantErr: true,
		},
		{
			name:    "unknown header format",
			c:       Components{Header: &Header{Format: "GIF"}, Body: Body{Text: "Hi"}},
			wantErr: true,
		},
		{
			name:    "footer too long",
			c:       Components{Body: Body{Text: "Hi"}, Footer: strings.Repeat("f", 61)},
			wantErr: true,
		},
		{
			name:    "url button without url",
			c:       Components{Body: Body{Text: "Hi"}, Buttons: []Button{{Type: "URL", Text: "Open"}}},
			wantErr: true,
		},
		{
			name:    "quick reply",
			c:       Components{Body: Body{Text: "Hi"}, Buttons: []Button{{Type: "QUICK_REPLY", Text: "Stop"}}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := engine.Validate(tt.c)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngine_ValidateName(t *testing.T) {
	engine := NewEngine()

	for _, name := range []string{"daily_update", "promo2"} {
		if err := engine.ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) error = %v", name, err)
		}
	}
	for _, name := range []string{"", "Daily", "daily-update", "daily update"} {
		if err := engine.ValidateName(name); !errors.Is(err, ErrInvalidTemplateName) {
			t.Errorf("ValidateName(%q) error = %v, want ErrInvalidTemplateName", name, err)
		}
	}
}

func TestEngine_Render(t *testing.T) {
	engine := NewEngine()

	got, err := engine.Render("Hi {{1}}, {{ 2 }} and {{1}} again", []string{"Asha", "news"})
	if err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	if got != "Hi Asha, news and Asha again" {
		t.Errorf("Render() = %q", got)
	}

	if _, err := engine.Render("Hi {{1}} {{2}}", []string{"Asha"}); err == nil {
		t.Error("Render() with missing param expected error")
	}
}

func TestEngine_Placeholders(t *testing.T) {
	got := NewEngine().Placeholders("{{2}} {{1}} {{2}} {{10}}")
	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("Placeholders() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Placeholders()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEngine_Improve(t *testing.T) {
	engine := NewEngine()

	t.Run("adds greeting and shifts", func(t *testing.T) {
		c := Components{Body: Body{Text: "Today: {{1}}", Examples: []string{"x"}}}
		got := engine.Improve(c, 160)
		if got.Body.Text != "Hi {{1}}, Today: {{2}}" {
			t.Errorf("Improve() = %q", got.Body.Text)
		}
		if got.Body.Examples != nil {
			t.Error("Improve() kept examples")
		}
		if c.Body.Text != "Today: {{1}}" {
			t.Error("Improve() modified input")
		}
	})

	t.Run("keeps existing greeting", func(t *testing.T) {
		got := engine.Improve(Components{Body: Body{Text: "Hello {{1}}"}}, 160)
		if got.Body.Text != "Hello {{1}}" {
			t.Errorf("Improve() = %q", got.Body.Text)
		}
	})

	t.Run("shortens long body", func(t *testing.T) {
		body := "Dear {{1}}, " + strings.Repeat("नमस्ते ", 40)
		got := engine.Improve(Components{Body: Body{Text: body}}, 50)
		if n := utf8.RuneCountInString(got.Body.Text); n != 53 {
			t.Errorf("improved length = %d runes, want 53", n)
		}
		if !utf8.ValidString(got.Body.Text) {
			t.Error("Improve() produced invalid utf-8")
		}
	})

	t.Run("does not split placeholder", func(t *testing.T) {
		got := engine.Improve(Components{Body: Body{Text: "Hi {{1}}, abc {{2}}"}}, 16)
		if strings.Contains(got.Body.Text, "{{2") && !strings.Contains(got.Body.Text, "{{2}}") {
			t.Errorf("Improve() split placeholder: %q", got.Body.Text)
		}
		if got.Body.Text != "Hi {{1}}, abc ..." {
			t.Errorf("Improve() = %q", got.Body.Text)
		}
	})
}

func TestTemplate_BodyParamCount(t *testing.T) {
	tmpl := &Template{Components: Components{Body: Body{Text: "Hi {{1}}, {{2}} {{1}}"}}}
	if got := tmpl.BodyParamCount(); got != 2 {
		t.Errorf("BodyParamCount() = %d, want 2", got)
	}
}

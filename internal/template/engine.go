package template

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	placeholderRe = regexp.MustCompile(`\{\{\s*(\d+)\s*\}\}`)
	nameRe        = regexp.MustCompile(`^[a-z0-9_]+$`)
)

// provider limits
const (
	maxBodyLength   = 1024
	maxHeaderLength = 60
	maxFooterLength = 60
	maxButtons      = 10
)

// Engine validates template structure and renders positional placeholders
type Engine struct{}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{}
}

// Render substitutes {{1}}..{{n}} in body with params. Missing params are an error.
func (e *Engine) Render(body string, params []string) (string, error) {
	var missing []int
	out := placeholderRe.ReplaceAllStringFunc(body, func(m string) string {
		n, _ := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
		if n < 1 || n > len(params) {
			missing = append(missing, n)
			return m
		}
		return params[n-1]
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing parameters for placeholders %v", missing)
	}
	return out, nil
}

// Placeholders returns the distinct placeholder indexes used in text, ascending
func (e *Engine) Placeholders(text string) []int {
	seen := make(map[int]bool)
	var out []int
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		n, _ := strconv.Atoi(m[1])
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// ValidateName checks the provider's allowed template name characters
func (e *Engine) ValidateName(name string) error {
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q (lowercase letters, digits and underscores only)", ErrInvalidTemplateName, name)
	}
	if len(name) > 512 {
		return fmt.Errorf("%w: longer than 512 characters", ErrInvalidTemplateName)
	}
	return nil
}

// Validate checks a template's components before submission
func (e *Engine) Validate(c Components) error {
	body := strings.TrimSpace(c.Body.Text)
	if body == "" {
		return fmt.Errorf("template body is required")
	}
	if len(body) > maxBodyLength {
		return fmt.Errorf("template body exceeds %d characters", maxBodyLength)
	}

	idx := e.Placeholders(body)
	for i, n := range idx {
		if n != i+1 {
			return fmt.Errorf("body placeholders must be contiguous from {{1}}, got %v", idx)
		}
	}
	if len(c.Body.Examples) > 0 && len(c.Body.Examples) != len(idx) {
		return fmt.Errorf("body has %d placeholders but %d examples", len(idx), len(c.Body.Examples))
	}

	if c.Header != nil {
		switch c.Header.Format {
		case "TEXT":
			if c.Header.Text == "" {
				return fmt.Errorf("text header requires text")
			}
			if len(c.Header.Text) > maxHeaderLength {
				return fmt.Errorf("header exceeds %d characters", maxHeaderLength)
			}
		case "IMAGE", "VIDEO", "DOCUMENT":
		default:
			return fmt.Errorf("invalid header format %q", c.Header.Format)
		}
	}

	if len(c.Footer) > maxFooterLength {
		return fmt.Errorf("footer exceeds %d characters", maxFooterLength)
	}

	if len(c.Buttons) > maxButtons {
		return fmt.Errorf("at most %d buttons are allowed", maxButtons)
	}
	for _, b := range c.Buttons {
		switch b.Type {
		case "QUICK_REPLY":
		case "URL":
			if b.URL == "" {
				return fmt.Errorf("url button %q requires url", b.Text)
			}
		case "PHONE_NUMBER":
			if b.PhoneNumber == "" {
				return fmt.Errorf("phone button %q requires phone_number", b.Text)
			}
		default:
			return fmt.Errorf("invalid button type %q", b.Type)
		}
		if b.Text == "" {
			return fmt.Errorf("button text is required")
		}
	}

	return nil
}

// Improve returns components adjusted for a rotated replacement: a greeting
// placeholder is added when none exists and long bodies are shortened
func (e *Engine) Improve(c Components, maxLen int) Components {
	improved := c
	improved.Buttons = append([]Button(nil), c.Buttons...)
	improved.Body.Examples = nil

	text := improved.Body.Text
	if !strings.Contains(text, "{{1}}") {
		text = shiftPlaceholders(text)
		text = "Hi {{1}}, " + text
	}
	if maxLen > 0 && utf8.RuneCountInString(text) > maxLen {
		text = truncateAtPlaceholder(text, maxLen) + "..."
	}
	improved.Body.Text = text
	return improved
}

// shiftPlaceholders renumbers {{n}} to {{n+1}} so {{1}} can be prepended
func shiftPlaceholders(text string) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		n, _ := strconv.Atoi(placeholderRe.FindStringSubmatch(m)[1])
		return "{{" + strconv.Itoa(n+1) + "}}"
	})
}

// truncateAtPlaceholder cuts text to maxLen runes without splitting a placeholder
func truncateAtPlaceholder(text string, maxLen int) string {
	cut := len(text)
	n := 0
	for i := range text {
		if n == maxLen {
			cut = i
			break
		}
		n++
	}
	for _, loc := range placeholderRe.FindAllStringIndex(text, -1) {
		if loc[0] < cut && loc[1] > cut {
			cut = loc[0]
			break
		}
	}
	return text[:cut]
}

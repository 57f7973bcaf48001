package series

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultPalette cycles through the dashboard theme's energy colors
// for series without an explicit color.
var DefaultPalette = []string{
	"var(--energy-grid-consumption-color)",
	"var(--energy-solar-color)",
	"var(--energy-gas-color)",
	"var(--energy-battery-out-color)",
	"var(--energy-battery-in-color)",
	"var(--energy-grid-return-color)",
	"var(--energy-water-color)",
	"var(--energy-non-fossil-color)",
}

// Fallbacks for theme tokens the frontend did not report.
var themeFallbacks = map[string]string{
	"--energy-grid-consumption-color": "#488fc2",
	"--energy-solar-color":            "#ff9800",
	"--energy-gas-color":              "#2196f3",
	"--energy-battery-out-color":      "#4db6ac",
	"--energy-battery-in-color":       "#f06292",
	"--energy-grid-return-color":      "#8353d1",
	"--energy-water-color":            "#00bcd4",
	"--energy-non-fossil-color":       "#0f9d58",
	"--primary-color":                 "#03a9f4",
	"--primary-text-color":            "#212121",
	"--secondary-text-color":          "#727272",
	"--divider-color":                 "#e0e0e0",
}

// ResolveColor turns a user-facing color token into a concrete color.
// Literals pass through, var(--x) and bare --x tokens are looked up in
// the reported theme, falling back to built-in defaults. Returns false
// when the token is empty or cannot be resolved.
func ResolveColor(token string, theme map[string]string) (string, bool) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	if strings.HasPrefix(token, "#") || strings.HasPrefix(token, "rgb") {
		return token, true
	}
	if strings.HasPrefix(token, "var(") && strings.HasSuffix(token, ")") {
		inner := token[4 : len(token)-1]
		name := inner
		fallback := ""
		if i := strings.Index(inner, ","); i >= 0 {
			name = strings.TrimSpace(inner[:i])
			fallback = strings.TrimSpace(inner[i+1:])
		}
		if c, ok := lookupToken(name, theme); ok {
			return c, true
		}
		if fallback != "" {
			return ResolveColor(fallback, theme)
		}
		return "", false
	}
	if strings.HasPrefix(token, "--") {
		return lookupToken(token, theme)
	}
	// Named CSS colors pass through for the frontend to interpret.
	return token, true
}

func lookupToken(name string, theme map[string]string) (string, bool) {
	if c, ok := theme[name]; ok && strings.TrimSpace(c) != "" {
		return strings.TrimSpace(c), true
	}
	if c, ok := themeFallbacks[name]; ok {
		return c, true
	}
	return "", false
}

// PaletteColor returns the resolved palette color for a series index,
// cycling when the index exceeds the palette length.
func PaletteColor(palette []string, theme map[string]string, index int) string {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	token := palette[index%len(palette)]
	if c, ok := ResolveColor(token, theme); ok {
		return c
	}
	return "#7f7f7f"
}

type rgba struct {
	r, g, b int
	a       float64
}

func parseColor(c string) (rgba, bool) {
	c = strings.TrimSpace(c)
	if strings.HasPrefix(c, "#") {
		return parseHex(c[1:])
	}
	if strings.HasPrefix(c, "rgb") {
		open := strings.Index(c, "(")
		close := strings.LastIndex(c, ")")
		if open < 0 || close < open {
			return rgba{}, false
		}
		parts := strings.Split(c[open+1:close], ",")
		if len(parts) < 3 {
			return rgba{}, false
		}
		out := rgba{a: 1}
		vals := make([]float64, 0, 4)
		for _, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return rgba{}, false
			}
			vals = append(vals, v)
		}
		out.r, out.g, out.b = int(vals[0]), int(vals[1]), int(vals[2])
		if len(vals) > 3 {
			out.a = vals[3]
		}
		return out, true
	}
	return rgba{}, false
}

func parseHex(h string) (rgba, bool) {
	expand := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			b.WriteRune(r)
			b.WriteRune(r)
		}
		return b.String()
	}
	switch len(h) {
	case 3:
		h = expand(h)
	case 4:
		h = expand(h)
	case 6, 8:
	default:
		return rgba{}, false
	}
	n, err := strconv.ParseUint(h[:6], 16, 32)
	if err != nil {
		return rgba{}, false
	}
	out := rgba{r: int(n >> 16), g: int(n >> 8 & 0xff), b: int(n & 0xff), a: 1}
	if len(h) == 8 {
		an, err := strconv.ParseUint(h[6:8], 16, 16)
		if err != nil {
			return rgba{}, false
		}
		out.a = float64(an) / 255
	}
	return out, true
}

// ApplyAlpha rewrites a color with the given alpha, preserving its
// channels. Unparseable colors are returned unchanged.
func ApplyAlpha(color string, alpha float64) string {
	c, ok := parseColor(color)
	if !ok {
		return color
	}
	return fmt.Sprintf("rgba(%d, %d, %d, %s)", c.r, c.g, c.b, trimFloat(alpha))
}

// ExtractAlpha reports the alpha channel of a color, defaulting to 1.
func ExtractAlpha(color string) float64 {
	c, ok := parseColor(color)
	if !ok {
		return 1
	}
	return c.a
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package combos

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/hazyhaar/kwrank/combos/internal/generate"
	"github.com/hazyhaar/kwrank/combos/internal/strength"
	"github.com/hazyhaar/kwrank/horosafe"
)

const (
	minComboLen = generate.MinComboLen
	maxComboLen = generate.MaxComboLen
)

func parseSource(s string) (strength.Source, error) {
	src := strength.Source(s)
	for _, known := range strength.Sources {
		if src == known {
			return src, nil
		}
	}
	return "", fmt.Errorf("unknown source %q", s)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalidArguments}, args...)...)
}

func (svc *Service) validateTenant(tenantID string) error {
	if tenantID == "" {
		return invalid("tenant_id is required")
	}
	if err := horosafe.ValidateIdentifier(tenantID); err != nil {
		return invalid("tenant_id: %v", err)
	}
	return nil
}

func (svc *Service) validateTokens(t Tokens, brands []string) error {
	lim := svc.config.Limits
	if strings.TrimSpace(t.Title) == "" {
		return invalid("title is required")
	}
	for _, f := range []struct {
		name string
		text string
		max  int
	}{
		{"title", t.Title, lim.TitleLen},
		{"subtitle", t.Subtitle, lim.SubtitleLen},
		{"keyword_field", t.KeywordField, lim.KeywordFieldLen},
	} {
		if n := utf8.RuneCountInString(f.text); n > f.max {
			return invalid("%s exceeds %d characters (%d)", f.name, f.max, n)
		}
	}
	if len(brands) > lim.MaxBrandTerms {
		return invalid("at most %d brand terms", lim.MaxBrandTerms)
	}
	return nil
}

func (svc *Service) validateLocale(locale string) error {
	if locale == "" {
		return invalid("locale is required")
	}
	if len(locale) > svc.config.Limits.LocaleLen {
		return invalid("locale exceeds %d characters", svc.config.Limits.LocaleLen)
	}
	if err := horosafe.ValidateIdentifier(locale); err != nil {
		return invalid("locale: %v", err)
	}
	return nil
}

func (svc *Service) validatePlatform(platform string) error {
	if _, ok := svc.config.Search.Entities[platform]; !ok {
		return invalid("unknown platform %q", platform)
	}
	return nil
}

func (svc *Service) validateSubjectID(id string, required bool) error {
	if id == "" {
		if required {
			return invalid("subject_id is required")
		}
		return nil
	}
	if err := horosafe.ValidateIdentifier(id); err != nil {
		return invalid("subject_id: %v", err)
	}
	return nil
}

// resolveOptions applies configured defaults to o and checks the bounds:
// 2 <= min_len <= max_len <= 4 and 0 <= max_combos <= limit.
func (svc *Service) resolveOptions(o GenerateOptions) (GenerateOptions, error) {
	def := svc.config.Generate
	if o.MinLen == 0 {
		o.MinLen = def.MinLen
	}
	if o.MaxLen == 0 {
		o.MaxLen = max(def.MaxLen, o.MinLen)
	}
	if o.IncludeCross == nil {
		o.IncludeCross = def.IncludeCross
	}
	if o.MaxCombos == 0 {
		o.MaxCombos = def.MaxCombos
	}
	switch {
	case o.MinLen < minComboLen:
		return o, invalid("min_len %d < %d", o.MinLen, minComboLen)
	case o.MaxLen > maxComboLen:
		return o, invalid("max_len %d > %d", o.MaxLen, maxComboLen)
	case o.MaxLen < o.MinLen:
		return o, invalid("max_len %d < min_len %d", o.MaxLen, o.MinLen)
	case o.MaxCombos < 0 || o.MaxCombos > svc.config.Limits.MaxCombos:
		return o, invalid("max_combos must be between 0 and %d", svc.config.Limits.MaxCombos)
	}
	return o, nil
}

func (svc *Service) validateSubject(sub *TrackedSubject) error {
	if err := svc.validateSubjectID(sub.ID, true); err != nil {
		return err
	}
	if err := svc.validateTokens(Tokens{Title: sub.Title, Subtitle: sub.Subtitle, KeywordField: sub.KeywordField}, sub.BrandTerms); err != nil {
		return err
	}
	if err := svc.validatePlatform(sub.Platform); err != nil {
		return err
	}
	return svc.validateLocale(sub.Locale)
}

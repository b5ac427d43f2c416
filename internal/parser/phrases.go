package parser

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Phrases holds the locale-dependent keyword tables
type Phrases struct {
	UnsubscribeKeywords []string `yaml:"unsubscribe_keywords"`
	SuccessPhrases      []string `yaml:"success_phrases"`
	FailurePhrases      []string `yaml:"failure_phrases"`
	SuccessURLHints     []string `yaml:"success_url_hints"`
}

// DefaultPhrases returns the built-in tables
func DefaultPhrases() Phrases {
	return Phrases{
		UnsubscribeKeywords: []string{
			"unsubscribe", "opt out", "opt-out", "remove me", "stop receiving",
			"email preferences", "manage preferences", "update preferences",
			"manage subscription", "subscription preferences", "notification settings",
			"구독해지", "구독 해지", "구독취소", "구독 취소", "수신거부", "수신 거부", "수신취소",
			"отписаться", "отказаться от рассылки", "отписка",
			"abmelden", "abbestellen", "newsletter abbestellen",
			"se désabonner", "désabonner", "désinscrire", "désinscription",
			"darse de baja", "darte de baja", "cancelar suscripción",
		},
		SuccessPhrases: []string{
			"you have been unsubscribed", "you've been unsubscribed", "you are unsubscribed",
			"you're unsubscribed", "successfully unsubscribed", "unsubscribed successfully",
			"unsubscribe complete", "unsubscribe successful", "unsubscription complete",
			"subscription cancelled", "subscription canceled", "subscription has been cancelled",
			"you have been removed", "you've been removed", "removed from our mailing list",
			"removed from this list", "removed from the list", "will no longer receive",
			"won't receive any more", "will not receive any more", "preferences updated",
			"preferences have been updated", "preferences saved", "preferences have been saved",
			"successfully opted out", "you have opted out",
			"구독해지 완료", "구독해지가 완료", "구독이 취소되었습니다", "구독해지되었습니다", "수신거부 완료",
			"수신거부되었습니다", "수신거부가 완료",
			"вы отписались", "вы успешно отписались", "подписка отменена", "отписка оформлена",
			"erfolgreich abgemeldet", "sie wurden abgemeldet", "abmeldung erfolgreich",
			"vous avez été désabonné", "désinscription confirmée", "désabonnement confirmé",
			"te has dado de baja", "has sido dado de baja", "baja confirmada",
		},
		FailurePhrases: []string{
			"error", "failed", "failure", "try again", "invalid", "expired link", "link has expired",
			"something went wrong", "not found",
			"실패", "오류",
			"ошибка", "не удалось",
			"fehler", "erreur", "échec",
		},
		SuccessURLHints: []string{
			"unsubscribed", "unsubscribe/success", "unsubscribe/complete", "unsubscribe-success",
			"unsubscribe_success", "optout/confirm", "/success", "/complete", "/thank",
		},
	}
}

// LoadPhrases reads tables from a YAML file. Empty lists keep the built-in defaults.
func LoadPhrases(path string) (Phrases, error) {
	phrases := DefaultPhrases()
	if path == "" {
		return phrases, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return phrases, fmt.Errorf("failed to read phrases file: %w", err)
	}

	var override Phrases
	if err := yaml.Unmarshal(data, &override); err != nil {
		return phrases, fmt.Errorf("failed to parse phrases file: %w", err)
	}

	if len(override.UnsubscribeKeywords) > 0 {
		phrases.UnsubscribeKeywords = override.UnsubscribeKeywords
	}
	if len(override.SuccessPhrases) > 0 {
		phrases.SuccessPhrases = override.SuccessPhrases
	}
	if len(override.FailurePhrases) > 0 {
		phrases.FailurePhrases = override.FailurePhrases
	}
	if len(override.SuccessURLHints) > 0 {
		phrases.SuccessURLHints = override.SuccessURLHints
	}
	return phrases, nil
}

// PhraseMatcher matches text against a compiled phrase list
type PhraseMatcher struct {
	patterns []*phrasePattern
}

type phrasePattern struct {
	Phrase string
	Regex  *regexp.Regexp
}

// NewPhraseMatcher compiles phrases into case-insensitive patterns.
// ASCII word edges get word boundaries so "error" does not match "terrorism".
func NewPhraseMatcher(phrases []string) *PhraseMatcher {
	m := &PhraseMatcher{}
	for _, phrase := range phrases {
		phrase = strings.TrimSpace(phrase)
		if phrase == "" {
			continue
		}

		expr := regexp.QuoteMeta(phrase)
		expr = strings.ReplaceAll(expr, " ", `\s+`)
		if isASCIIWordByte(phrase[0]) {
			expr = `\b` + expr
		}
		if isASCIIWordByte(phrase[len(phrase)-1]) {
			expr += `\b`
		}

		m.patterns = append(m.patterns, &phrasePattern{
			Phrase: phrase,
			Regex:  regexp.MustCompile(`(?i)` + expr),
		})
	}
	return m
}

// Match returns the first phrase found in text
func (m *PhraseMatcher) Match(text string) (string, bool) {
	for _, p := range m.patterns {
		if p.Regex.MatchString(text) {
			return p.Phrase, true
		}
	}
	return "", false
}

// FindAllIndex returns the byte ranges of every phrase occurrence in text
func (m *PhraseMatcher) FindAllIndex(text string) [][]int {
	var out [][]int
	for _, p := range m.patterns {
		out = append(out, p.Regex.FindAllStringIndex(text, -1)...)
	}
	return out
}

func isASCIIWordByte(b byte) bool {
	return b == '_' || (b >= '0' && b <= '9') || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

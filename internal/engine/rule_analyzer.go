package engine

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"call-insights/internal/calls"
)

const (
	maxKeywords      = 20
	maxFrequentWords = 50
	summaryKeywords  = 5
	summaryChars     = 200
	minWordRunes     = 4
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

type lexicon struct {
	stopwords     map[string]struct{}
	keywordsLabel string
}

var lexicons = map[string]lexicon{
	"ru": {
		stopwords: set("этот", "этого", "есть", "было", "была", "были", "будет", "когда", "тоже",
			"только", "если", "чтобы", "меня", "тебя", "вас", "нему", "него", "себя", "очень",
			"здравствуйте", "пожалуйста", "можно", "надо", "который", "которые", "также"),
		keywordsLabel: "Ключевые слова",
	},
	"en": {
		stopwords: set("this", "that", "with", "have", "from", "they", "will", "would", "there",
			"their", "what", "about", "which", "when", "your", "were", "been", "just", "like",
			"hello", "please", "could", "should"),
		keywordsLabel: "Keywords",
	},
}

// Category rules are checked in order; the first hit wins. Both languages are
// always checked since callers mix them.
var categoryRules = []struct {
	category calls.Category
	markers  []string
}{
	{calls.CategoryComplaint, []string{"жалоба", "проблема", "плохо", "недовольн", "complaint", "problem"}},
	{calls.CategoryOrder, []string{"заказ", "купить", "оформить", "order", "purchase", "buy"}},
	{calls.CategorySupport, []string{"помощь", "поддержка", "как", "вопрос", "help", "support", "question"}},
}

var (
	positiveMarkers = []string{"хорошо", "отлично", "спасибо", "благодарю", "good", "great", "thanks"}
	negativeMarkers = []string{"плохо", "ужасно", "проблема", "жалоба", "bad", "terrible", "problem"}
)

// RuleAnalyzer is a deterministic keyword/lexicon analyzer. Languages without
// a lexicon yield ErrUnavailable.
type RuleAnalyzer struct {
	languages map[string]struct{}
}

// NewRuleAnalyzer enables the given languages; unknown ones are ignored.
// With no arguments every built-in lexicon is enabled.
func NewRuleAnalyzer(languages ...string) *RuleAnalyzer {
	if len(languages) == 0 {
		languages = lo.Keys(lexicons)
	}
	enabled := map[string]struct{}{}
	for _, l := range languages {
		l = strings.ToLower(strings.TrimSpace(l))
		if _, ok := lexicons[l]; ok {
			enabled[l] = struct{}{}
		}
	}
	return &RuleAnalyzer{languages: enabled}
}

func (a *RuleAnalyzer) Analyze(ctx context.Context, t calls.Transcription, language string) (calls.Analysis, error) {
	language = strings.ToLower(language)
	if _, ok := a.languages[language]; !ok {
		return calls.Analysis{}, ErrUnavailable
	}
	if err := ctx.Err(); err != nil {
		return calls.Analysis{}, &Error{Stage: StageAnalysis, Err: err}
	}
	lex := lexicons[language]

	lower := strings.ToLower(t.Text)
	words := lo.Filter(wordRe.FindAllString(lower, -1), func(w string, _ int) bool {
		return utf8.RuneCountInString(w) >= minWordRunes
	})
	counts := lo.CountValues(words)

	keywords := topWords(lo.PickBy(counts, func(w string, _ int) bool {
		_, stop := lex.stopwords[w]
		return !stop
	}), maxKeywords)

	freq := map[string]int{}
	for _, w := range topWords(counts, maxFrequentWords) {
		freq[w] = counts[w]
	}

	return calls.Analysis{
		CallID:        t.CallID,
		Category:      classify(lower),
		Keywords:      keywords,
		Sentiment:     sentiment(lower),
		WordFrequency: freq,
		SpeakerStats:  speakerStats(t.Segments),
		Summary:       summarize(t.Text, keywords, lex.keywordsLabel),
	}, nil
}

// topWords orders by count desc, then word asc, and keeps n.
func topWords(counts map[string]int, n int) []string {
	words := lo.Keys(counts)
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > n {
		words = words[:n]
	}
	return words
}

func classify(lower string) calls.Category {
	for _, r := range categoryRules {
		if containsAny(lower, r.markers) {
			return r.category
		}
	}
	return calls.CategoryInquiry
}

func sentiment(lower string) calls.Sentiment {
	pos := lo.CountBy(positiveMarkers, func(m string) bool { return strings.Contains(lower, m) })
	neg := lo.CountBy(negativeMarkers, func(m string) bool { return strings.Contains(lower, m) })
	switch {
	case pos > neg:
		return calls.SentimentPositive
	case neg > pos:
		return calls.SentimentNegative
	default:
		return calls.SentimentNeutral
	}
}

func speakerStats(segments []calls.Segment) calls.SpeakerStats {
	if len(segments) == 0 {
		return calls.SpeakerStats{}
	}
	total := segments[len(segments)-1].End
	return calls.SpeakerStats{
		TotalSegments:        len(segments),
		TotalDuration:        total,
		AverageSegmentLength: total / float64(len(segments)),
	}
}

func summarize(text string, keywords []string, label string) string {
	text = strings.TrimSpace(text)
	summary := text
	if utf8.RuneCountInString(text) > summaryChars {
		summary = strings.TrimSpace(string([]rune(text)[:summaryChars])) + "..."
	}
	if len(keywords) > summaryKeywords {
		keywords = keywords[:summaryKeywords]
	}
	return summary + "\n\n" + label + ": " + strings.Join(keywords, ", ")
}

func containsAny(s string, markers []string) bool {
	return lo.SomeBy(markers, func(m string) bool { return strings.Contains(s, m) })
}

func set(words ...string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

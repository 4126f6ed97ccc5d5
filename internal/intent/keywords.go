package intent

import (
	"context"
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	phraseMultiplier     = 1.5
	contextBonus         = 1.2
	inquiryPenalty       = 0.1
	maxVerificationWords = 3
	maxUnsubscribeWords  = 4
)

// medicationWords mark a message as being about treatment, so a stop word in
// it refers to the medicine rather than the messaging.
var medicationWords = map[string]bool{
	"obat": true, "obatnya": true, "minum": true, "diminum": true, "pil": true,
	"dosis": true, "tablet": true, "kapsul": true, "resep": true,
}

type term struct {
	tokens []string
	weight float64
}

type lexicon struct {
	words   map[string]float64
	phrases []term
}

func phrases(weight float64, ps ...string) []term {
	out := make([]term, 0, len(ps))
	for _, p := range ps {
		out = append(out, term{tokens: strings.Fields(p), weight: weight})
	}
	return out
}

var lexicons = map[Intent]lexicon{
	Accept: {
		words: map[string]float64{
			"ya": 0.5, "iya": 0.5, "yes": 0.5, "yaa": 0.5, "ok": 0.4, "oke": 0.4, "okay": 0.4,
			"setuju": 0.6, "mau": 0.4, "bersedia": 0.6, "boleh": 0.4, "siap": 0.4,
		},
		phrases: phrases(0.6, "ya saya mau", "saya bersedia", "saya setuju", "ya bersedia", "ya mau"),
	},
	Decline: {
		words: map[string]float64{
			"tidak": 0.5, "tdk": 0.5, "no": 0.5, "enggak": 0.5, "nggak": 0.5, "gak": 0.5,
			"ga": 0.4, "tolak": 0.6, "menolak": 0.6,
		},
		phrases: append(
			phrases(0.6, "tidak mau", "tidak bersedia", "tidak setuju", "gak mau", "nggak mau"),
			phrases(0.4, "nanti saja")...,
		),
	},
	Unsubscribe: {
		words: map[string]float64{
			"berhenti": 0.7, "stop": 0.7, "unsubscribe": 0.8, "keluar": 0.5, "batal": 0.5,
		},
		phrases: phrases(0.7, "berhenti langganan", "tidak mau lagi", "jangan kirim lagi", "hapus saya"),
	},
	MedicationTaken: {
		words: map[string]float64{
			"sudah": 0.5, "udah": 0.5, "sdh": 0.5, "done": 0.4, "selesai": 0.4, "diminum": 0.5,
		},
		phrases: phrases(0.6, "sudah minum", "sudah diminum", "udah minum", "sudah minum obat"),
	},
	MedicationPending: {
		words: map[string]float64{
			"belum": 0.5, "blm": 0.5, "lupa": 0.5, "nanti": 0.3,
		},
		phrases: phrases(0.6, "belum minum", "belum sempat", "lupa minum", "tidak minum", "belum diminum"),
	},
	NeedHelp: {
		words: map[string]float64{
			"tolong": 0.5, "bantu": 0.5, "bantuan": 0.5, "help": 0.5, "sakit": 0.5,
			"darurat": 0.8, "mual": 0.4, "pusing": 0.4, "sesak": 0.6, "nyeri": 0.5,
		},
		phrases: phrases(0.6, "butuh bantuan", "efek samping", "tidak enak badan", "minta tolong"),
	},
}

var inquiryWords = map[string]bool{
	"halo": true, "hallo": true, "hai": true, "hi": true, "hello": true, "assalamualaikum": true,
	"siapa": true, "apa": true, "apakah": true, "bagaimana": true, "gimana": true, "kenapa": true,
	"mengapa": true, "kapan": true, "dimana": true, "mana": true, "tanya": true, "bertanya": true,
	"info": true, "informasi": true, "kamu": true, "anda": true,
}

var inquiryPhrases = [][]string{
	{"selamat", "pagi"}, {"selamat", "siang"}, {"selamat", "sore"}, {"selamat", "malam"},
	{"mau", "tanya"}, {"boleh", "tanya"},
}

var emergencyTerms = [][]string{
	{"darurat"}, {"emergency"}, {"pingsan"}, {"kejang"}, {"pendarahan"}, {"perdarahan"},
	{"sesak", "napas"}, {"sesak", "nafas"}, {"tidak", "sadar"}, {"muntah", "darah"},
	{"sakit", "parah"}, {"nyeri", "hebat"},
}

type scoredPhrase struct {
	intent Intent
	term
}

// allPhrases is every phrase across lexicons, longest first, so a longer
// phrase consumes its tokens before a shorter one can.
var allPhrases = func() []scoredPhrase {
	var out []scoredPhrase
	for _, in := range declared {
		for _, p := range lexicons[in].phrases {
			out = append(out, scoredPhrase{intent: in, term: p})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i].tokens) > len(out[j].tokens) })
	return out
}()

// Normalize lowercases, strips punctuation and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(tokenize(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Score computes per-intent keyword confidences for message in flow c.Flow.
// Scores are already adjusted by the context bonus and inquiry penalty.
func Score(message string, c Context) (map[Intent]float64, map[Intent][]string) {
	tokens := tokenize(message)
	used := make([]bool, len(tokens))
	raw := make(map[Intent]float64, len(declared))
	evidence := make(map[Intent][]string)

	for _, p := range allPhrases {
		for i := 0; i+len(p.tokens) <= len(tokens); i++ {
			if !matchAt(tokens, used, i, p.tokens) {
				continue
			}
			for k := range p.tokens {
				used[i+k] = true
			}
			raw[p.intent] += p.weight * phraseMultiplier
			evidence[p.intent] = append(evidence[p.intent], strings.Join(p.tokens, " "))
		}
	}

	for i, tok := range tokens {
		if used[i] {
			continue
		}
		for _, in := range declared {
			if w, ok := lexicons[in].words[tok]; ok {
				raw[in] += w
				evidence[in] = append(evidence[in], tok)
			}
		}
	}

	penalize := c.Flow != FlowGeneral && IsGeneralInquiry(message)
	scores := make(map[Intent]float64, len(declared))
	for _, in := range declared {
		s := math.Min(1, raw[in])
		if c.Flow.expects(in) {
			s = math.Min(1, s*contextBonus)
		}
		if penalize {
			s *= inquiryPenalty
		}
		scores[in] = s
	}
	return scores, evidence
}

func matchAt(tokens []string, used []bool, i int, phrase []string) bool {
	for k, want := range phrase {
		if used[i+k] || tokens[i+k] != want {
			return false
		}
	}
	return true
}

// Best picks the highest score, breaking ties by declaration order.
func Best(scores map[Intent]float64) (Intent, float64) {
	best, bestScore := Unclear, 0.0
	for _, in := range declared {
		if s := scores[in]; s > bestScore {
			best, bestScore = in, s
		}
	}
	return best, bestScore
}

// KeywordStage is the deterministic first stage.
type KeywordStage struct{}

func (KeywordStage) Name() string { return string(SourceKeyword) }

func (KeywordStage) Classify(_ context.Context, message string, c Context) (Result, error) {
	scores, evidence := Score(message, c)
	best, conf := Best(scores)

	r := Result{Intent: best, Confidence: conf, Source: SourceKeyword, Scores: scores}
	if best == Unclear || conf < c.Flow.Threshold() {
		return r, ErrBelowThreshold
	}
	r.Evidence = evidence[best]
	return r, nil
}

// IsGeneralInquiry reports greeting or question vocabulary.
func IsGeneralInquiry(message string) bool {
	tokens := tokenize(message)
	for _, tok := range tokens {
		if inquiryWords[tok] {
			return true
		}
	}
	for _, p := range inquiryPhrases {
		if containsSeq(tokens, p) {
			return true
		}
	}
	return strings.Contains(message, "?") && len(tokens) > 2
}

// IsActualVerificationResponse gates which messages the verification flow
// sees: short, carrying an explicit accept or decline token, and not a
// question.
func IsActualVerificationResponse(message string) bool {
	tokens := tokenize(message)
	if len(tokens) == 0 || len(tokens) > maxVerificationWords {
		return false
	}
	if IsGeneralInquiry(message) {
		return false
	}
	for _, tok := range tokens {
		if _, ok := lexicons[Accept].words[tok]; ok {
			return true
		}
		if _, ok := lexicons[Decline].words[tok]; ok {
			return true
		}
	}
	return false
}

// IsUnsubscribeRequest gates which messages may opt a patient out: an explicit
// opt-out phrase, or a short message carrying a stop word. Questions and
// anything mentioning medication or symptoms never qualify.
func IsUnsubscribeRequest(message string) bool {
	tokens := tokenize(message)
	if len(tokens) == 0 || strings.Contains(message, "?") || IsGeneralInquiry(message) {
		return false
	}
	for _, tok := range tokens {
		if medicationWords[tok] {
			return false
		}
		for _, in := range []Intent{MedicationTaken, MedicationPending, NeedHelp} {
			if _, ok := lexicons[in].words[tok]; ok {
				return false
			}
		}
	}
	for _, p := range lexicons[Unsubscribe].phrases {
		if containsSeq(tokens, p.tokens) {
			return true
		}
	}
	if len(tokens) > maxUnsubscribeWords {
		return false
	}
	for _, tok := range tokens {
		if _, ok := lexicons[Unsubscribe].words[tok]; ok {
			return true
		}
	}
	return false
}

// DetectEmergency returns the first emergency term found in message.
func DetectEmergency(message string) (string, bool) {
	tokens := tokenize(message)
	for _, t := range emergencyTerms {
		if containsSeq(tokens, t) {
			return strings.Join(t, " "), true
		}
	}
	return "", false
}

func containsSeq(tokens, seq []string) bool {
	for i := 0; i+len(seq) <= len(tokens); i++ {
		match := true
		for k := range seq {
			if tokens[i+k] != seq[k] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

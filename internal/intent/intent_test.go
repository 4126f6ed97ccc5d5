package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/LeventeLantos/pallicare-messaging/internal/model"
)

type fakeCompleter struct {
	out    string
	err    error
	calls  int
	prompt string
}

func (f *fakeCompleter) Complete(_ context.Context, _, user string) (string, error) {
	f.calls++
	f.prompt = user
	return f.out, f.err
}

var (
	verification = Context{Flow: FlowVerification, PatientName: "Budi", VerificationStatus: model.VerificationPending}
	medication   = Context{Flow: FlowMedication, PatientName: "Budi", VerificationStatus: model.VerificationVerified}
	general      = Context{Flow: FlowGeneral}
)

func TestKeywordStage_Verification(t *testing.T) {
	cases := []struct {
		msg  string
		want Intent
	}{
		{"Ya", Accept},
		{"iya saya bersedia", Accept},
		{"OK", Accept},
		{"tidak", Decline},
		{"Tidak mau.", Decline},
		{"gak mau", Decline},
		{"BERHENTI", Unsubscribe},
		{"tolong jangan kirim lagi", Unsubscribe},
	}

	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			r, err := KeywordStage{}.Classify(context.Background(), tc.msg, verification)
			require.NoError(t, err)
			require.Equal(t, tc.want, r.Intent)
			require.Equal(t, SourceKeyword, r.Source)
			require.GreaterOrEqual(t, r.Confidence, 0.4)
			require.NotEmpty(t, r.Evidence)
		})
	}
}

func TestKeywordStage_Medication(t *testing.T) {
	cases := []struct {
		msg  string
		want Intent
	}{
		{"sudah minum obat", MedicationTaken},
		{"udah", MedicationTaken},
		{"belum minum", MedicationPending},
		{"lupa minum tadi", MedicationPending},
		{"tidak minum", MedicationPending},
		{"saya butuh bantuan, ada efek samping", NeedHelp},
	}

	for _, tc := range cases {
		t.Run(tc.msg, func(t *testing.T) {
			r, err := KeywordStage{}.Classify(context.Background(), tc.msg, medication)
			require.NoError(t, err)
			require.Equal(t, tc.want, r.Intent)
		})
	}
}

func TestScore_GeneralInquirySuppression(t *testing.T) {
	scores, _ := Score("halo, kamu siapa?", verification)
	_, conf := Best(scores)
	require.Less(t, conf, 0.4)

	// Even an accept token is damped when the message is chit-chat.
	scores, _ = Score("ya, boleh saya tanya ini apa?", verification)
	require.Less(t, scores[Accept], 0.4)

	_, err := KeywordStage{}.Classify(context.Background(), "halo, kamu siapa?", verification)
	require.ErrorIs(t, err, ErrBelowThreshold)
}

func TestScore_PhraseConsumesItsWords(t *testing.T) {
	scores, evidence := Score("tidak mau", verification)
	require.Zero(t, scores[Accept], "mau inside a decline phrase must not count as accept")
	require.Equal(t, []string{"tidak mau"}, evidence[Decline])

	scores, _ = Score("tidak mau lagi", general)
	best, _ := Best(scores)
	require.Equal(t, Unsubscribe, best)
}

func TestScore_PhraseOutweighsWord(t *testing.T) {
	phrase, _ := Score("sudah minum", general)
	word, _ := Score("sudah", general)
	require.Greater(t, phrase[MedicationTaken], word[MedicationTaken])
	require.InDelta(t, 0.9, phrase[MedicationTaken], 1e-9)
}

func TestScore_ContextBonus(t *testing.T) {
	inFlow, _ := Score("ya", verification)
	outOfFlow, _ := Score("ya", general)
	require.InDelta(t, 0.6, inFlow[Accept], 1e-9)
	require.InDelta(t, 0.5, outOfFlow[Accept], 1e-9)
}

func TestBest_TiesFollowDeclarationOrder(t *testing.T) {
	best, conf := Best(map[Intent]float64{Decline: 0.5, Accept: 0.5, NeedHelp: 0.5})
	require.Equal(t, Accept, best)
	require.Equal(t, 0.5, conf)

	best, conf = Best(map[Intent]float64{})
	require.Equal(t, Unclear, best)
	require.Zero(t, conf)
}

func TestCascade_KeywordShortCircuits(t *testing.T) {
	fc := &fakeCompleter{out: `{"intent":"decline","confidence":0.99}`}
	r := New(fc).Classify(context.Background(), "ya", verification)

	require.Equal(t, Accept, r.Intent)
	require.Equal(t, SourceKeyword, r.Source)
	require.Zero(t, fc.calls)
}

func TestCascade_LLMWhenKeywordsUnsure(t *testing.T) {
	fc := &fakeCompleter{out: "```json\n{\"intent\":\"accept\",\"confidence\":0.82,\"entities\":{\"response_type\":\"positive\"},\"reasoning\":\"setuju ikut\"}\n```"}
	r := New(fc).Classify(context.Background(), "insyaallah saya ikut programnya", verification)

	require.Equal(t, 1, fc.calls)
	require.Equal(t, Accept, r.Intent)
	require.Equal(t, SourceLLM, r.Source)
	require.Equal(t, "positive", r.Entities["response_type"])
	require.Contains(t, fc.prompt, "Budi")
	require.Contains(t, fc.prompt, "PENDING")
}

func TestCascade_ResponseTypeOverridesInVerification(t *testing.T) {
	fc := &fakeCompleter{out: `{"intent":"need_help","confidence":0.7,"entities":{"response_type":"negative"}}`}
	r := New(fc).Classify(context.Background(), "rasanya kurang cocok dengan program ini", verification)
	require.Equal(t, Decline, r.Intent)

	fc = &fakeCompleter{out: `{"intent":"need_help","confidence":0.7,"entities":{"response_type":"negative"}}`}
	r = New(fc).Classify(context.Background(), "rasanya kurang cocok", medication)
	require.Equal(t, NeedHelp, r.Intent, "override only applies in the verification flow")
}

func TestCascade_FallsBackOnLLMProblems(t *testing.T) {
	cases := []struct {
		name string
		fc   *fakeCompleter
	}{
		{"provider error", &fakeCompleter{err: errors.New("timeout")}},
		{"malformed", &fakeCompleter{out: "sure! the intent is accept"}},
		{"unknown intent", &fakeCompleter{out: `{"intent":"maybe","confidence":0.9}`}},
		{"low confidence", &fakeCompleter{out: `{"intent":"accept","confidence":0.55}`}},
		{"explicit unclear", &fakeCompleter{out: `{"intent":"unclear","confidence":0.9}`}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := New(tc.fc).Classify(context.Background(), "hmm entahlah", verification)
			require.Equal(t, Unclear, r.Intent)
			require.Zero(t, r.Confidence)
			require.Equal(t, SourceFallback, r.Source)
			require.NotNil(t, r.Scores, "fallback keeps keyword scores")
		})
	}
}

func TestCascade_WithoutLLM(t *testing.T) {
	r := New(nil).Classify(context.Background(), "halo, kamu siapa?", verification)
	require.Equal(t, Unclear, r.Intent)
	require.Equal(t, SourceFallback, r.Source)
}

func TestIsActualVerificationResponse(t *testing.T) {
	require.True(t, IsActualVerificationResponse("Ya"))
	require.True(t, IsActualVerificationResponse("tidak mau"))
	require.True(t, IsActualVerificationResponse("ok siap"))
	require.False(t, IsActualVerificationResponse("ya saya mau tanya dulu soal obatnya"))
	require.False(t, IsActualVerificationResponse("apa ya?"))
	require.False(t, IsActualVerificationResponse("terima kasih"))
	require.False(t, IsActualVerificationResponse(""))
}

func TestIsActualVerificationResponse_FreeText(t *testing.T) {
	require.False(t, IsActualVerificationResponse("Saya tidak bisa datang besok karena hujan deras"))
	require.False(t, IsActualVerificationResponse("Apakah saya tidak perlu daftar ulang?"))
	require.False(t, IsActualVerificationResponse("hmm entahlah"))
}

func TestIsUnsubscribeRequest(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"BERHENTI", true},
		{"stop", true},
		{"saya mau berhenti", true},
		{"tidak mau lagi", true},
		{"jangan kirim lagi pesan seperti ini ke nomor saya", true},
		{"Bagaimana kalau obatnya mau berhenti dulu?", false},
		{"obat saya stop dulu karena mual", false},
		{"Saya mau berhenti minum obat", false},
		{"berhenti dulu sudah", false},
		{"kapan boleh keluar?", false},
		{"saya keluar kota minggu depan untuk kontrol", false},
		{"ya", false},
		{"", false},
	}
	for _, tc := range cases {
		require.Equalf(t, tc.want, IsUnsubscribeRequest(tc.msg), "message %q", tc.msg)
	}
}

func TestIsGeneralInquiry(t *testing.T) {
	require.True(t, IsGeneralInquiry("Selamat pagi"))
	require.True(t, IsGeneralInquiry("halo, kamu siapa?"))
	require.True(t, IsGeneralInquiry("obat ini untuk apa"))
	require.True(t, IsGeneralInquiry("jadwal besok jam berapa?"))
	require.False(t, IsGeneralInquiry("ya"))
	require.False(t, IsGeneralInquiry("ya?"))
}

func TestDetectEmergency(t *testing.T) {
	term, ok := DetectEmergency("Ibu saya sesak napas dari tadi")
	require.True(t, ok)
	require.Equal(t, "sesak napas", term)

	_, ok = DetectEmergency("sudah minum obat")
	require.False(t, ok)
}

func TestNormalize(t *testing.T) {
	require.Equal(t, "halo kamu siapa", Normalize("  Halo,   KAMU siapa?? "))
}

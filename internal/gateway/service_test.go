package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/subgate/subgate/internal/decision"
	"github.com/subgate/subgate/internal/esp"
	"github.com/subgate/subgate/internal/logging"
	"github.com/subgate/subgate/internal/newsletter"
	"github.com/subgate/subgate/internal/subscriber"
)

var testLists = esp.Lists{
	Master:  "Master_Subscribers",
	OptIn:   "Double_Opt_In",
	Confirm: "Confirmation",
	Mobile:  "Mobile_Subscribers",
}

type applyCall struct {
	list   string
	fields map[string]string
}

type sendCall struct {
	id, email, token, format string
}

// fakeESP records every provider call and serves a canned snapshot.
type fakeESP struct {
	snapshot  *esp.UserSnapshot
	applies   []applyCall
	sends     []sendCall
	sms       []string
	applyErrs []error          // consumed in order by ApplyUpdates
	sendErrs  map[string]error // by message id
}

func (f *fakeESP) GetUserData(ctx context.Context, token, email string) (*esp.UserSnapshot, error) {
	return f.snapshot, nil
}

func (f *fakeESP) ApplyUpdates(ctx context.Context, list string, rec *esp.Record) error {
	if len(f.applyErrs) > 0 {
		err := f.applyErrs[0]
		f.applyErrs = f.applyErrs[1:]
		if err != nil {
			return err
		}
	}
	f.applies = append(f.applies, applyCall{list: list, fields: rec.Fields()})
	return nil
}

func (f *fakeESP) SendMessage(ctx context.Context, messageID, email, token, format string) error {
	if err, ok := f.sendErrs[messageID]; ok {
		return err
	}
	f.sends = append(f.sends, sendCall{id: messageID, email: email, token: token, format: format})
	return nil
}

func (f *fakeESP) SendSMS(ctx context.Context, vendorMessageID, mobile string) error {
	f.sms = append(f.sms, vendorMessageID+":"+mobile)
	return nil
}

func testRegistry() *newsletter.Registry {
	return newsletter.NewRegistry(&newsletter.StaticSource{
		Newsletters: []newsletter.Newsletter{
			{
				Slug: "mozilla-and-you", VendorID: "MOZILLA_AND_YOU", Title: "Mozilla & You",
				Languages: []string{"en", "ru"}, WelcomeID: "39", Active: true,
			},
			{
				Slug: "beta-testers", VendorID: "BETA_TESTERS", Title: "Beta Testers",
				RequiresDoubleOptIn: true, Languages: []string{"en", "ru", "pt-Br"},
				WelcomeID: "501", ConfirmMessage: "beta_confirm", Active: true,
			},
			{
				Slug: "insiders", VendorID: "INSIDERS", Title: "Insiders",
				Languages: []string{"en"}, WelcomeID: "39", Private: true, Active: true,
			},
			{
				Slug: "quiet-list", VendorID: "QUIET_LIST", Title: "Quiet",
				Languages: []string{"en"}, Active: true,
			},
		},
		SMS: map[string]string{"SMS_Android": "MTo3ODow"},
	})
}

func newTestService(client esp.Client) (*Service, *subscriber.MemoryStore) {
	subs := subscriber.NewMemoryStore()
	return NewService(testRegistry(), client, subs, testLists, logging.New("test")), subs
}

func subscribeReq(slugs ...string) UpdateRequest {
	return UpdateRequest{
		Mode:           ModeSubscribe,
		Email:          "alice@example.com",
		Newsletters:    slugs,
		Lang:           "en",
		Format:         "H",
		TriggerWelcome: true,
	}
}

func TestSubscribeCreatesTokenOnce(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)
	ctx := context.Background()

	first, err := svc.UpdateUser(ctx, subscribeReq("mozilla-and-you"))
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if !first.Created || first.Token == "" {
		t.Fatalf("first subscribe outcome = %+v, want created with a token", first)
	}

	second, err := svc.UpdateUser(ctx, subscribeReq("mozilla-and-you"))
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if second.Created {
		t.Error("repeat subscribe reported created=true")
	}
	if second.Token != first.Token {
		t.Errorf("token changed across subscribes: %q then %q", first.Token, second.Token)
	}
}

func TestUnknownSlugRejectedBeforeAnyCall(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)

	_, err := svc.UpdateUser(context.Background(), subscribeReq("no-such-newsletter"))
	if esp.CodeOf(err) != esp.CodeUnknownNewsletter {
		t.Fatalf("code = %s, want %s", esp.CodeOf(err), esp.CodeUnknownNewsletter)
	}
	if len(client.applies)+len(client.sends) != 0 {
		t.Error("provider was called despite validation failure")
	}
}

func TestExemptNewAppliesAndWelcomes(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)

	out, err := svc.UpdateUser(context.Background(), subscribeReq("mozilla-and-you"))
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if out.Verdict != decision.ExemptNew {
		t.Fatalf("verdict = %s, want exempt_new", out.Verdict)
	}

	if len(client.applies) != 2 {
		t.Fatalf("%d record writes, want opt-in plus confirmation marker", len(client.applies))
	}
	if client.applies[0].list != testLists.OptIn || client.applies[1].list != testLists.Confirm {
		t.Errorf("writes hit %s then %s", client.applies[0].list, client.applies[1].list)
	}
	if got := client.applies[0].fields["MOZILLA_AND_YOU_FLG"]; got != "Y" {
		t.Errorf("subscription flag = %q, want Y", got)
	}
	if client.applies[0].fields["CREATED_DATE_"] == "" {
		t.Error("new subscriber record has no created date")
	}

	if len(client.sends) != 1 || client.sends[0].id != "en_39" {
		t.Errorf("sends = %+v, want one en_39 welcome", client.sends)
	}
}

func TestMustConfirmDefersUpdate(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)

	req := subscribeReq("mozilla-and-you", "beta-testers") // mixed set forces confirmation
	out, err := svc.UpdateUser(context.Background(), req)
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if out.Verdict != decision.MustConfirmNew {
		t.Fatalf("verdict = %s, want must_confirm_new", out.Verdict)
	}

	if len(client.applies) != 1 || client.applies[0].list != testLists.OptIn {
		t.Fatalf("applies = %+v, want a single opt-in parking write", client.applies)
	}
	if len(client.sends) != 1 {
		t.Fatalf("sends = %+v, want only the confirmation notice", client.sends)
	}
	// beta-testers carries a custom confirmation message.
	if client.sends[0].id != "en_beta_confirm" {
		t.Errorf("confirmation id = %q, want en_beta_confirm", client.sends[0].id)
	}

	// The parked record must be addressable by the confirmation send.
	fields := client.applies[0].fields
	if fields["SubscriberKey"] != out.Token || fields["EmailAddress"] != "alice@example.com" {
		t.Errorf("parked record keys = %q/%q, want token and email", fields["SubscriberKey"], fields["EmailAddress"])
	}
}

func TestKnownTokenNewToProviderGetsCreatedDate(t *testing.T) {
	client := &fakeESP{} // nil snapshot: the provider has never seen this address
	svc, subs := newTestService(client)
	subs.Seed("alice@example.com", "tok-a")

	req := UpdateRequest{Mode: ModeSubscribe, Token: "tok-a", Newsletters: []string{"mozilla-and-you"}}
	if _, err := svc.UpdateUser(context.Background(), req); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if len(client.applies) == 0 {
		t.Fatal("no record written")
	}
	if client.applies[0].fields["CREATED_DATE_"] == "" {
		t.Error("record for a provider-unknown address has no created date")
	}
}

func TestExplicitOptInBypassesConfirmation(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)

	req := subscribeReq("beta-testers")
	req.OptIn = true
	out, err := svc.UpdateUser(context.Background(), req)
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if out.Verdict != decision.ExemptNew {
		t.Errorf("verdict = %s, want exempt_new", out.Verdict)
	}
}

func TestAlreadyConfirmedWritesMasterList(t *testing.T) {
	client := &fakeESP{snapshot: &esp.UserSnapshot{
		Email: "alice@example.com", Token: "tok-a", Lang: "en", Format: "H",
		Master: true, Confirmed: true,
		Newsletters: []string{"mozilla-and-you"},
	}}
	svc, subs := newTestService(client)
	subs.Seed("alice@example.com", "tok-a")

	req := UpdateRequest{
		Mode: ModeSubscribe, Token: "tok-a",
		Newsletters: []string{"quiet-list"}, Format: "H",
	}
	out, err := svc.UpdateUser(context.Background(), req)
	if err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if out.Verdict != decision.AlreadyConfirmed {
		t.Fatalf("verdict = %s, want already_confirmed", out.Verdict)
	}
	if len(client.applies) != 1 || client.applies[0].list != testLists.Master {
		t.Errorf("applies = %+v, want one master-list write", client.applies)
	}
}

func TestSetComplementsAgainstSnapshot(t *testing.T) {
	client := &fakeESP{snapshot: &esp.UserSnapshot{
		Email: "alice@example.com", Token: "tok-a", Master: true, Confirmed: true,
		Newsletters: []string{"mozilla-and-you", "quiet-list"},
	}}
	svc, subs := newTestService(client)
	subs.Seed("alice@example.com", "tok-a")

	req := UpdateRequest{
		Mode: ModeSet, Token: "tok-a",
		Newsletters: []string{"mozilla-and-you", "insiders"},
	}
	if _, err := svc.UpdateUser(context.Background(), req); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	fields := client.applies[0].fields
	if fields["INSIDERS_FLG"] != "Y" {
		t.Errorf("INSIDERS_FLG = %q, want Y", fields["INSIDERS_FLG"])
	}
	if fields["QUIET_LIST_FLG"] != "N" {
		t.Errorf("QUIET_LIST_FLG = %q, want N", fields["QUIET_LIST_FLG"])
	}
	// Unchanged subscription stays untouched so its date is preserved.
	if _, ok := fields["MOZILLA_AND_YOU_FLG"]; ok {
		t.Error("SET touched an unchanged subscription")
	}
}

func TestSetIdempotent(t *testing.T) {
	client := &fakeESP{snapshot: &esp.UserSnapshot{
		Email: "alice@example.com", Token: "tok-a", Master: true, Confirmed: true,
		Newsletters: []string{"mozilla-and-you"},
	}}
	svc, subs := newTestService(client)
	subs.Seed("alice@example.com", "tok-a")

	req := UpdateRequest{Mode: ModeSet, Token: "tok-a", Newsletters: []string{"mozilla-and-you"}}
	for i := 0; i < 2; i++ {
		if _, err := svc.UpdateUser(context.Background(), req); err != nil {
			t.Fatalf("UpdateUser() #%d error = %v", i+1, err)
		}
	}
	for i, call := range client.applies {
		for name := range call.fields {
			if strings.HasSuffix(name, "_FLG") {
				t.Errorf("write %d flipped %s on an unchanged set", i, name)
			}
		}
	}
}

func TestWelcomeLocalization(t *testing.T) {
	// Welcome-id scenarios across languages and formats.
	tests := []struct {
		name   string
		slug   string
		lang   string
		format string
		want   string
	}{
		{"exact upper-case html", "mozilla-and-you", "RU", "H", "ru_39"},
		{"text format suffix", "mozilla-and-you", "ru", "T", "ru_39_T"},
		{"fallback to english", "mozilla-and-you", "fr", "H", "en_39"},
		{"primary matches region entry", "beta-testers", "pt", "H", "pt_501"},
		{"region matches primary entry", "beta-testers", "pt-Br", "H", "pt_501"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeESP{}
			svc, _ := newTestService(client)

			req := subscribeReq(tt.slug)
			req.Lang = tt.lang
			req.Format = tt.format
			req.OptIn = true // keep double-opt-in lists on the welcome path
			if _, err := svc.UpdateUser(context.Background(), req); err != nil {
				t.Fatalf("UpdateUser() error = %v", err)
			}
			if len(client.sends) != 1 || client.sends[0].id != tt.want {
				t.Errorf("sends = %+v, want one %s", client.sends, tt.want)
			}
		})
	}
}

func TestWelcomeDedup(t *testing.T) {
	// mozilla-and-you and insiders share welcome id 39.
	client := &fakeESP{}
	svc, _ := newTestService(client)

	if _, err := svc.UpdateUser(context.Background(), subscribeReq("mozilla-and-you", "insiders")); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if len(client.sends) != 1 || client.sends[0].id != "en_39" {
		t.Errorf("sends = %+v, want a single deduplicated en_39", client.sends)
	}
}

func TestConfirmUser(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		client := &fakeESP{snapshot: &esp.UserSnapshot{
			Email: "alice@example.com", Token: "tok-a", Lang: "ru", Format: "H",
			Pending:     true,
			Newsletters: []string{"mozilla-and-you"},
		}}
		svc, _ := newTestService(client)

		if err := svc.ConfirmUser(context.Background(), "tok-a"); err != nil {
			t.Fatalf("ConfirmUser() error = %v", err)
		}
		if len(client.applies) != 1 || client.applies[0].list != testLists.Confirm {
			t.Errorf("applies = %+v, want one confirmation-list write", client.applies)
		}
		if len(client.sends) != 1 || client.sends[0].id != "ru_39" {
			t.Errorf("sends = %+v, want localized welcome ru_39", client.sends)
		}
	})

	t.Run("already confirmed is a no-op", func(t *testing.T) {
		client := &fakeESP{snapshot: &esp.UserSnapshot{
			Email: "alice@example.com", Token: "tok-a", Confirmed: true, Master: true,
		}}
		svc, _ := newTestService(client)

		if err := svc.ConfirmUser(context.Background(), "tok-a"); err != nil {
			t.Fatalf("ConfirmUser() error = %v", err)
		}
		if len(client.applies)+len(client.sends) != 0 {
			t.Error("confirmation replay produced side effects")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		client := &fakeESP{}
		svc, _ := newTestService(client)

		err := svc.ConfirmUser(context.Background(), "no-such-token")
		if esp.CodeOf(err) != esp.CodeUnknownToken {
			t.Errorf("code = %s, want %s", esp.CodeOf(err), esp.CodeUnknownToken)
		}
		if esp.Retryable(err) {
			t.Error("unknown-token error marked retryable")
		}
	})
}

func TestSendRecoveryMessage(t *testing.T) {
	t.Run("known email", func(t *testing.T) {
		client := &fakeESP{snapshot: &esp.UserSnapshot{
			Email: "alice@example.com", Token: "tok-a", Lang: "ru", Format: "T",
		}}
		svc, _ := newTestService(client)

		if err := svc.SendRecoveryMessage(context.Background(), "alice@example.com"); err != nil {
			t.Fatalf("SendRecoveryMessage() error = %v", err)
		}
		if len(client.sends) != 1 || client.sends[0].id != "ru_recovery_message_T" {
			t.Errorf("sends = %+v, want ru_recovery_message_T", client.sends)
		}
	})

	t.Run("unknown email is silent", func(t *testing.T) {
		client := &fakeESP{}
		svc, _ := newTestService(client)

		if err := svc.SendRecoveryMessage(context.Background(), "nobody@example.com"); err != nil {
			t.Fatalf("SendRecoveryMessage() error = %v", err)
		}
		if len(client.sends) != 0 {
			t.Error("recovery sent for an unknown email")
		}
	})
}

func TestBadMessageIDRemembered(t *testing.T) {
	client := &fakeESP{
		sendErrs: map[string]error{"en_39": esp.BadMessageIDError("Invalid Customer Key")},
	}
	svc, _ := newTestService(client)
	ctx := context.Background()

	req := subscribeReq("mozilla-and-you")
	if _, err := svc.UpdateUser(ctx, req); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}

	// Second run skips the dead id without asking the provider again.
	delete(client.sendErrs, "en_39")
	if _, err := svc.UpdateUser(ctx, req); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if len(client.sends) != 0 {
		t.Errorf("sends = %+v, want none for a remembered bad id", client.sends)
	}
}

func TestCreatedDateRepair(t *testing.T) {
	missing := &esp.Error{
		Code:   esp.CodeValidation,
		Status: 400,
		Msg:    "required field CREATED_DATE_ not present",
	}
	client := &fakeESP{
		snapshot: &esp.UserSnapshot{
			Email: "alice@example.com", Token: "tok-a", Master: true, Confirmed: true,
		},
		applyErrs: []error{missing},
	}
	svc, subs := newTestService(client)
	subs.Seed("alice@example.com", "tok-a")

	req := UpdateRequest{Mode: ModeSubscribe, Token: "tok-a", Newsletters: []string{"quiet-list"}}
	if _, err := svc.UpdateUser(context.Background(), req); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	if len(client.applies) != 1 {
		t.Fatalf("applies = %+v, want the repaired retry", client.applies)
	}
	if client.applies[0].fields["CREATED_DATE_"] == "" {
		t.Error("repaired record still has no created date")
	}
}

func TestRecordUnsubReason(t *testing.T) {
	client := &fakeESP{snapshot: &esp.UserSnapshot{
		Email: "alice@example.com", Token: "tok-a", Master: true, Confirmed: true,
	}}
	svc, _ := newTestService(client)

	if err := svc.RecordUnsubReason(context.Background(), "tok-a", "too many emails"); err != nil {
		t.Fatalf("RecordUnsubReason() error = %v", err)
	}
	if len(client.applies) != 1 || client.applies[0].list != testLists.Master {
		t.Fatalf("applies = %+v, want one master-list write", client.applies)
	}
	if got := client.applies[0].fields["UNSUBSCRIBE_REASON"]; got != "too many emails" {
		t.Errorf("UNSUBSCRIBE_REASON = %q", got)
	}
}

func TestAddSMSUser(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)
	ctx := context.Background()

	if err := svc.AddSMSUser(ctx, "SMS_Android", "+15555550100", true); err != nil {
		t.Fatalf("AddSMSUser() error = %v", err)
	}
	if len(client.sms) != 1 || client.sms[0] != "MTo3ODow:+15555550100" {
		t.Errorf("sms = %v", client.sms)
	}
	if len(client.applies) != 1 || client.applies[0].list != testLists.Mobile {
		t.Errorf("applies = %+v, want one mobile-list opt-in", client.applies)
	}

	if err := svc.AddSMSUser(ctx, "SMS_Unknown", "+15555550100", false); err == nil {
		t.Error("AddSMSUser() accepted an unregistered message name")
	}
}

func TestNonSubscribeUnknownEmail(t *testing.T) {
	client := &fakeESP{}
	svc, _ := newTestService(client)

	req := UpdateRequest{
		Mode:        ModeUnsubscribe,
		Email:       "nobody@example.com",
		Newsletters: []string{"mozilla-and-you"},
	}
	_, err := svc.UpdateUser(context.Background(), req)
	if esp.CodeOf(err) != esp.CodeUnknownEmail {
		t.Errorf("code = %s, want %s", esp.CodeOf(err), esp.CodeUnknownEmail)
	}
}

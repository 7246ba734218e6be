package esp

import (
	"strings"
	"testing"
	"time"
)

func TestRecordBuilderBasicFields(t *testing.T) {
	on := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	rec, err := NewRecord("alice@example.com", "tok-1").
		Language("ru").
		Country("ru").
		Format("H").
		SourceURL("https://example.com/signup").
		Modified(on).
		Newsletter("MOZILLA_AND_YOU", true, on).
		Build([]string{"MOZILLA_AND_YOU"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	fields := rec.Fields()
	want := map[string]string{
		"EMAIL_ADDRESS_":           "alice@example.com",
		"TOKEN":                    "tok-1",
		"EMAIL_PERMISSION_STATUS_": "I",
		"MODIFIED_DATE_":           "Sat, 14 Mar 2026 09:26:53 GMT",
		"LANGUAGE_ISO2":            "ru",
		"COUNTRY_":                 "ru",
		"EMAIL_FORMAT_":            "H",
		"SOURCE_URL":               "https://example.com/signup",
		"MOZILLA_AND_YOU_FLG":      "Y",
		"MOZILLA_AND_YOU_DATE":     "2026-03-14",
	}
	if len(fields) != len(want) {
		t.Errorf("got %d fields, want %d: %v", len(fields), len(want), rec.FieldNames())
	}
	for name, value := range want {
		if fields[name] != value {
			t.Errorf("field %s = %q, want %q", name, fields[name], value)
		}
	}
}

func TestRecordBuilderUnsubscribe(t *testing.T) {
	on := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	rec, err := NewRecord("alice@example.com", "tok-1").
		Newsletter("BETA_NEWS", false, on).
		UnsubscribeReason("too many emails").
		Build([]string{"BETA_NEWS"})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	fields := rec.Fields()
	if fields["BETA_NEWS_FLG"] != "N" {
		t.Errorf("BETA_NEWS_FLG = %q, want N", fields["BETA_NEWS_FLG"])
	}
	if fields["UNSUBSCRIBE_REASON"] != "too many emails" {
		t.Errorf("UNSUBSCRIBE_REASON = %q", fields["UNSUBSCRIBE_REASON"])
	}
}

func TestRecordBuilderRejectsUnknownField(t *testing.T) {
	_, err := NewRecord("alice@example.com", "tok-1").
		Newsletter("NO_SUCH_LIST", true, time.Now()).
		Build([]string{"MOZILLA_AND_YOU"})
	if err == nil {
		t.Fatal("Build() accepted a flag for an unknown vendor field")
	}
	if !strings.Contains(err.Error(), "NO_SUCH_LIST") {
		t.Errorf("error %q does not name the rejected field", err)
	}
}

func TestRecordBuilderRequiresIdentity(t *testing.T) {
	if _, err := NewRecord("", "tok-1").Build(nil); err == nil {
		t.Error("Build() accepted an empty email")
	}
	if _, err := NewRecord("alice@example.com", "").Build(nil); err == nil {
		t.Error("Build() accepted an empty token")
	}
}

func TestRecordBuilderSubscriberKey(t *testing.T) {
	rec, err := NewRecord("alice@example.com", "tok-1").
		WithSubscriberKey().
		Created(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)).
		Build(nil)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	fields := rec.Fields()
	if fields["SubscriberKey"] != "tok-1" || fields["EmailAddress"] != "alice@example.com" {
		t.Errorf("subscriber key fields = %q / %q", fields["SubscriberKey"], fields["EmailAddress"])
	}
	if fields["CREATED_DATE_"] != "Fri, 02 Jan 2026 03:04:05 GMT" {
		t.Errorf("CREATED_DATE_ = %q", fields["CREATED_DATE_"])
	}
}

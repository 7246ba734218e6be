package esp

import (
	"fmt"
	"sort"
	"time"
)

// Vendor field names common to every list.
const (
	fieldEmail         = "EMAIL_ADDRESS_"
	fieldToken         = "TOKEN"
	fieldPermission    = "EMAIL_PERMISSION_STATUS_"
	fieldModified      = "MODIFIED_DATE_"
	fieldCreated       = "CREATED_DATE_"
	fieldLang          = "LANGUAGE_ISO2"
	fieldCountry       = "COUNTRY_"
	fieldSourceURL     = "SOURCE_URL"
	fieldFormat        = "EMAIL_FORMAT_"
	fieldUnsubReason   = "UNSUBSCRIBE_REASON"
	fieldSubscriberKey = "SubscriberKey"
	fieldEmailAddress  = "EmailAddress"
)

// gmtLayout is the date form the ESP expects for record timestamps.
const gmtLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

const flagDateLayout = "2006-01-02"

// GMTTime renders t in the ESP's timestamp format.
func GMTTime(t time.Time) string {
	return t.UTC().Format(gmtLayout)
}

type flagChange struct {
	vendorID   string
	subscribed bool
	on         time.Time
}

// Record is a validated, ready-to-send list update. Build one through
// RecordBuilder; the zero value is not usable.
type Record struct {
	fields map[string]string
}

// Fields returns the serialized vendor field map. Callers must not
// mutate the result.
func (r *Record) Fields() map[string]string { return r.fields }

// CloneWithCreated returns a copy of the record with a created date
// attached, for repairing records the provider says predate theirs.
func (r *Record) CloneWithCreated(t time.Time) *Record {
	fields := make(map[string]string, len(r.fields)+1)
	for name, value := range r.fields {
		fields[name] = value
	}
	fields[fieldCreated] = GMTTime(t)
	return &Record{fields: fields}
}

// FieldNames returns the serialized field names in sorted order.
func (r *Record) FieldNames() []string {
	names := make([]string, 0, len(r.fields))
	for name := range r.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordBuilder accumulates typed field values for one list update.
// Every settable field has a named method; there is no way to attach an
// arbitrary field name, and newsletter flags are checked against the
// known vendor catalog when the record is built.
type RecordBuilder struct {
	email          string
	token          string
	lang           string
	country        string
	sourceURL      string
	format         string
	created        time.Time
	modified       time.Time
	unsubReason    string
	subscriberKeys bool
	flags          []flagChange
}

// NewRecord starts a builder for the subscriber identified by email and
// token. The permission status and modified date are always set.
func NewRecord(email, token string) *RecordBuilder {
	return &RecordBuilder{email: email, token: token, modified: time.Now()}
}

func (b *RecordBuilder) Language(lang string) *RecordBuilder {
	b.lang = lang
	return b
}

func (b *RecordBuilder) Country(country string) *RecordBuilder {
	b.country = country
	return b
}

func (b *RecordBuilder) SourceURL(url string) *RecordBuilder {
	b.sourceURL = url
	return b
}

// Format sets the email format, "H" or "T".
func (b *RecordBuilder) Format(format string) *RecordBuilder {
	b.format = format
	return b
}

// Created stamps the record's creation date. Only set when the record
// creates the subscriber, or when repairing a record missing one.
func (b *RecordBuilder) Created(t time.Time) *RecordBuilder {
	b.created = t
	return b
}

// Modified overrides the modified timestamp, which defaults to now.
func (b *RecordBuilder) Modified(t time.Time) *RecordBuilder {
	b.modified = t
	return b
}

func (b *RecordBuilder) UnsubscribeReason(reason string) *RecordBuilder {
	b.unsubReason = reason
	return b
}

// WithSubscriberKey adds the provider's native key fields alongside the
// plain ones; required by lists that drive triggered sends.
func (b *RecordBuilder) WithSubscriberKey() *RecordBuilder {
	b.subscriberKeys = true
	return b
}

// Newsletter records a subscription flag flip for the newsletter with
// the given vendor id, dated on.
func (b *RecordBuilder) Newsletter(vendorID string, subscribed bool, on time.Time) *RecordBuilder {
	b.flags = append(b.flags, flagChange{vendorID: vendorID, subscribed: subscribed, on: on})
	return b
}

// Build serializes the accumulated fields. knownVendorIDs is the catalog
// of newsletter vendor ids; a flag for a vendor id outside it fails the
// build rather than writing a column the list does not have.
func (b *RecordBuilder) Build(knownVendorIDs []string) (*Record, error) {
	if b.email == "" {
		return nil, fmt.Errorf("record: email is required")
	}
	if b.token == "" {
		return nil, fmt.Errorf("record: token is required")
	}

	known := make(map[string]bool, len(knownVendorIDs))
	for _, id := range knownVendorIDs {
		known[id] = true
	}

	fields := map[string]string{
		fieldEmail:      b.email,
		fieldToken:      b.token,
		fieldPermission: "I",
		fieldModified:   GMTTime(b.modified),
	}
	if !b.created.IsZero() {
		fields[fieldCreated] = GMTTime(b.created)
	}
	if b.lang != "" {
		fields[fieldLang] = b.lang
	}
	if b.country != "" {
		fields[fieldCountry] = b.country
	}
	if b.sourceURL != "" {
		fields[fieldSourceURL] = b.sourceURL
	}
	if b.format != "" {
		fields[fieldFormat] = b.format
	}
	if b.unsubReason != "" {
		fields[fieldUnsubReason] = b.unsubReason
	}
	if b.subscriberKeys {
		fields[fieldSubscriberKey] = b.token
		fields[fieldEmailAddress] = b.email
	}
	for _, fc := range b.flags {
		if !known[fc.vendorID] {
			return nil, fmt.Errorf("record: unknown newsletter field %q", fc.vendorID)
		}
		flag := "N"
		if fc.subscribed {
			flag = "Y"
		}
		fields[fc.vendorID+"_FLG"] = flag
		fields[fc.vendorID+"_DATE"] = fc.on.UTC().Format(flagDateLayout)
	}

	return &Record{fields: fields}, nil
}

package features

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the type of a feature field
type Kind int

const (
	KindNumber Kind = iota + 1
	KindBool
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Value is a single resolved feature
type Value struct {
	Kind Kind
	Num  decimal.Decimal
	Bool bool
	Str  string
}

// Float returns the numeric value as float64.
func (v Value) Float() float64 {
	f, _ := v.Num.Float64()
	return f
}

// Vector is the normalized feature vector derived from one transaction
type Vector struct {
	EntityID  string
	Timestamp time.Time

	// Amount is in the base currency; RawAmount in the transaction currency.
	Amount        decimal.Decimal
	RawAmount     decimal.Decimal
	LogAmount     float64
	Currency      string
	CurrencyKnown bool
	Channel       string

	Hour      int
	Weekday   int
	IsNight   bool
	IsWeekend bool

	Country           string
	IsHighRiskCountry bool
	CrossBorder       bool
	IPCountry         string
	IPCountryMismatch bool

	Merchant         string
	MerchantCategory string
	IsHighRiskMCC    bool
	Counterparty     string
	HasCounterparty  bool

	DeviceID    string
	IPAddress   string
	KnownDevice bool
	DeviceRisk  float64

	AccountAgeDays int
	NewAccount     bool
	RoundAmount    bool

	// RelatedIDs are graph neighbours (counterparty, device, ip, context ids).
	RelatedIDs []string
}

type field struct {
	kind Kind
	get  func(*Vector) Value
}

func num(f func(*Vector) float64) field {
	return field{kind: KindNumber, get: func(v *Vector) Value {
		return Value{Kind: KindNumber, Num: decimal.NewFromFloat(f(v))}
	}}
}

func boolean(f func(*Vector) bool) field {
	return field{kind: KindBool, get: func(v *Vector) Value {
		return Value{Kind: KindBool, Bool: f(v)}
	}}
}

func str(f func(*Vector) string) field {
	return field{kind: KindString, get: func(v *Vector) Value {
		return Value{Kind: KindString, Str: f(v)}
	}}
}

var registry = map[string]field{
	"amount": {kind: KindNumber, get: func(v *Vector) Value {
		return Value{Kind: KindNumber, Num: v.Amount}
	}},
	"raw_amount": {kind: KindNumber, get: func(v *Vector) Value {
		return Value{Kind: KindNumber, Num: v.RawAmount}
	}},
	"log_amount":           num(func(v *Vector) float64 { return v.LogAmount }),
	"currency":             str(func(v *Vector) string { return v.Currency }),
	"currency_known":       boolean(func(v *Vector) bool { return v.CurrencyKnown }),
	"channel":              str(func(v *Vector) string { return v.Channel }),
	"hour":                 num(func(v *Vector) float64 { return float64(v.Hour) }),
	"weekday":              num(func(v *Vector) float64 { return float64(v.Weekday) }),
	"is_night":             boolean(func(v *Vector) bool { return v.IsNight }),
	"is_weekend":           boolean(func(v *Vector) bool { return v.IsWeekend }),
	"country":              str(func(v *Vector) string { return v.Country }),
	"is_high_risk_country": boolean(func(v *Vector) bool { return v.IsHighRiskCountry }),
	"cross_border":         boolean(func(v *Vector) bool { return v.CrossBorder }),
	"ip_country":           str(func(v *Vector) string { return v.IPCountry }),
	"ip_country_mismatch":  boolean(func(v *Vector) bool { return v.IPCountryMismatch }),
	"merchant":             str(func(v *Vector) string { return v.Merchant }),
	"merchant_category":    str(func(v *Vector) string { return v.MerchantCategory }),
	"is_high_risk_mcc":     boolean(func(v *Vector) bool { return v.IsHighRiskMCC }),
	"counterparty":         str(func(v *Vector) string { return v.Counterparty }),
	"has_counterparty":     boolean(func(v *Vector) bool { return v.HasCounterparty }),
	"device_id":            str(func(v *Vector) string { return v.DeviceID }),
	"known_device":         boolean(func(v *Vector) bool { return v.KnownDevice }),
	"device_risk":          num(func(v *Vector) float64 { return v.DeviceRisk }),
	"account_age_days":     num(func(v *Vector) float64 { return float64(v.AccountAgeDays) }),
	"new_account":          boolean(func(v *Vector) bool { return v.NewAccount }),
	"round_amount":         boolean(func(v *Vector) bool { return v.RoundAmount }),
}

// LookupKind returns the kind of a registered field.
func LookupKind(name string) (Kind, bool) {
	f, ok := registry[name]
	if !ok {
		return 0, false
	}
	return f.kind, true
}

// FieldNames lists every registered field, sorted.
func FieldNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get resolves a field by name.
func (v *Vector) Get(name string) (Value, bool) {
	f, ok := registry[name]
	if !ok {
		return Value{}, false
	}
	return f.get(v), true
}

// Activation returns the vector as plain Go values keyed by field name,
// numbers as float64.
func (v *Vector) Activation() map[string]any {
	out := make(map[string]any, len(registry))
	for name, f := range registry {
		val := f.get(v)
		switch val.Kind {
		case KindNumber:
			out[name] = val.Float()
		case KindBool:
			out[name] = val.Bool
		case KindString:
			out[name] = val.Str
		}
	}
	return out
}

// Numeric returns the numeric and boolean fields as float64, used as the
// payload for model endpoints.
func (v *Vector) Numeric() map[string]float64 {
	out := make(map[string]float64, len(registry))
	for name, f := range registry {
		val := f.get(v)
		switch val.Kind {
		case KindNumber:
			out[name] = val.Float()
		case KindBool:
			if val.Bool {
				out[name] = 1
			} else {
				out[name] = 0
			}
		}
	}
	return out
}

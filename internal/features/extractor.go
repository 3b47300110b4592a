// Package features derives the normalized feature vector every scoring
// stage reads from.
package features

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/enterprise/fraud-engine/configs"
	"github.com/enterprise/fraud-engine/internal/models"
)

var ErrMissingEntity = errors.New("transaction has no entity id")

// Defaults applied when optional context is missing.
const (
	DefaultDeviceRisk     = 0.0
	UnknownAccountAge     = -1
	NewAccountMaxAgeDays  = 30
	nightStartHour        = 0
	nightEndHour          = 5
	roundAmountMultiplier = 100
	DefaultBaseCurrency   = "USD"
)

// GeoResolver maps an IP address to an ISO country code
type GeoResolver interface {
	Country(ip string) (string, error)
}

// Extractor builds feature vectors. It is safe for concurrent use.
type Extractor struct {
	geo               GeoResolver
	highRiskCountries map[string]struct{}
	highRiskMCCs      map[string]struct{}
	baseCurrency      string
	rates             map[string]decimal.Decimal
}

func NewExtractor(cfg configs.FeaturesConfig, geo GeoResolver) *Extractor {
	base := strings.ToUpper(strings.TrimSpace(cfg.BaseCurrency))
	if base == "" {
		base = DefaultBaseCurrency
	}
	rates := make(map[string]decimal.Decimal, len(cfg.CurrencyRates)+1)
	for code, rate := range cfg.CurrencyRates {
		if rate > 0 {
			rates[strings.ToUpper(strings.TrimSpace(code))] = decimal.NewFromFloat(rate)
		}
	}
	rates[base] = decimal.NewFromInt(1)

	return &Extractor{
		geo:               geo,
		highRiskCountries: toSet(cfg.HighRiskCountries),
		highRiskMCCs:      toSet(cfg.HighRiskMCCs),
		baseCurrency:      base,
		rates:             rates,
	}
}

// normalize converts amount into the base currency. A missing currency is
// taken to be the base currency; an unknown one keeps the raw amount.
func (e *Extractor) normalize(amount decimal.Decimal, currency string) (decimal.Decimal, bool) {
	if currency == "" {
		return amount, true
	}
	rate, ok := e.rates[currency]
	if !ok {
		return amount, false
	}
	return amount.Mul(rate).Round(2), true
}

// Extract derives the feature vector for tx. txCtx may be nil.
func (e *Extractor) Extract(tx *models.Transaction, txCtx *models.TransactionContext) (*Vector, error) {
	if tx == nil || strings.TrimSpace(tx.EntityID) == "" {
		return nil, ErrMissingEntity
	}
	if txCtx == nil {
		txCtx = &models.TransactionContext{}
	}

	ts := tx.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	currency := strings.ToUpper(strings.TrimSpace(tx.Currency))
	normalized, known := e.normalize(tx.Amount, currency)
	if !known {
		log.Debug().Str("currency", currency).Str("transaction_id", tx.ID).Msg("No rate for currency, using raw amount")
	}
	amount, _ := normalized.Float64()
	country := strings.ToUpper(tx.Country)

	v := &Vector{
		EntityID:         tx.EntityID,
		Timestamp:        ts,
		Amount:           normalized,
		RawAmount:        tx.Amount,
		LogAmount:        math.Log1p(math.Max(amount, 0)),
		Currency:         currency,
		CurrencyKnown:    known,
		Channel:          strings.ToLower(tx.Channel),
		Hour:             ts.Hour(),
		Weekday:          int(ts.Weekday()),
		Country:          country,
		Merchant:         tx.Merchant,
		MerchantCategory: tx.MerchantCategory,
		Counterparty:     tx.Counterparty,
		HasCounterparty:  tx.Counterparty != "",
		DeviceID:         tx.DeviceID,
		IPAddress:        tx.IPAddress,
		KnownDevice:      true,
		DeviceRisk:       DefaultDeviceRisk,
		AccountAgeDays:   UnknownAccountAge,
	}

	v.IsNight = v.Hour >= nightStartHour && v.Hour < nightEndHour
	v.IsWeekend = ts.Weekday() == time.Saturday || ts.Weekday() == time.Sunday
	_, v.IsHighRiskCountry = e.highRiskCountries[country]
	_, v.IsHighRiskMCC = e.highRiskMCCs[strings.ToUpper(tx.MerchantCategory)]
	v.RoundAmount = tx.Amount.IsPositive() &&
		tx.Amount.Mod(decimal.NewFromInt(roundAmountMultiplier)).IsZero()

	if home := strings.ToUpper(txCtx.HomeCountry); home != "" && country != "" {
		v.CrossBorder = home != country
	}

	// Unknown device contributes neutrally.
	if tx.DeviceID != "" && txCtx.KnownDevice != nil {
		v.KnownDevice = *txCtx.KnownDevice
	}
	if txCtx.DeviceRisk != nil {
		v.DeviceRisk = clamp01(*txCtx.DeviceRisk)
	}
	if txCtx.AccountAgeDays != nil && *txCtx.AccountAgeDays >= 0 {
		v.AccountAgeDays = *txCtx.AccountAgeDays
		v.NewAccount = v.AccountAgeDays < NewAccountMaxAgeDays
	}

	if e.geo != nil && tx.IPAddress != "" {
		ipCountry, err := e.geo.Country(tx.IPAddress)
		if err != nil {
			log.Debug().Err(err).Str("ip", tx.IPAddress).Msg("GeoIP lookup failed")
		} else if ipCountry != "" {
			v.IPCountry = strings.ToUpper(ipCountry)
			v.IPCountryMismatch = country != "" && v.IPCountry != country
		}
	}

	v.RelatedIDs = RelatedIDs(tx, txCtx)
	return v, nil
}

// RelatedIDs lists the graph neighbours of a transaction: counterparty,
// device, IP and any ids supplied by the caller, deduplicated.
func RelatedIDs(tx *models.Transaction, txCtx *models.TransactionContext) []string {
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if id == "" || id == tx.EntityID {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	add(tx.Counterparty)
	if tx.DeviceID != "" {
		add("device:" + tx.DeviceID)
	}
	if tx.IPAddress != "" {
		add("ip:" + tx.IPAddress)
	}
	if txCtx != nil {
		for _, id := range txCtx.RelatedEntityIDs {
			add(id)
		}
	}
	return ids
}

func clamp01(f float64) float64 {
	if math.IsNaN(f) || f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = struct{}{}
	}
	return set
}

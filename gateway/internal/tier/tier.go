// Package tier maps subscription tiers to the limits the gateway enforces.
package tier

// Unlimited marks a limit without a ceiling.
const Unlimited = -1

// Tier names, ordered from least to most capable.
const (
	Free       = "free"
	Builder    = "builder"
	Pro        = "pro"
	Enterprise = "enterprise"
)

// Limits is what a tier allows.
type Limits struct {
	Name              string   `json:"name"`
	RequestsPerMinute int      `json:"rate_limit_per_minute"`
	PublishQuota      int      `json:"apis_limit"` // Unlimited for no ceiling
	PaidOverage       bool     `json:"paid_overage"`
	MonthlyCalls      int64    `json:"calls_per_month"`
	PriceMonthly      int64    `json:"price_monthly"` // smallest currency unit
	Networks          []string `json:"networks"`
}

var table = []Limits{
	{
		Name:              Free,
		RequestsPerMinute: 60,
		PublishQuota:      1,
		PaidOverage:       false,
		MonthlyCalls:      1_000,
		PriceMonthly:      0,
		Networks:          []string{"testnet"},
	},
	{
		Name:              Builder,
		RequestsPerMinute: 300,
		PublishQuota:      3,
		PaidOverage:       true,
		MonthlyCalls:      10_000,
		PriceMonthly:      4_900,
		Networks:          []string{"ethereum", "polygon", "xdc", "xrpl"},
	},
	{
		Name:              Pro,
		RequestsPerMinute: 1_000,
		PublishQuota:      10,
		PaidOverage:       true,
		MonthlyCalls:      100_000,
		PriceMonthly:      19_900,
		Networks:          []string{"ethereum", "polygon", "xdc", "xrpl", "quant"},
	},
	{
		Name:              Enterprise,
		RequestsPerMinute: 5_000,
		PublishQuota:      Unlimited,
		PaidOverage:       true,
		MonthlyCalls:      1_000_000,
		PriceMonthly:      100_000,
		Networks:          []string{"all"},
	},
}

// Lookup returns the limits for a tier name. Unknown names get the free tier.
func Lookup(name string) Limits {
	for _, l := range table {
		if l.Name == name {
			return l
		}
	}
	return table[0]
}

// Known reports whether name is one of the defined tiers.
func Known(name string) bool {
	for _, l := range table {
		if l.Name == name {
			return true
		}
	}
	return false
}

// All returns every tier in ascending order.
func All() []Limits {
	out := make([]Limits, len(table))
	copy(out, table)
	return out
}

// CanPublish reports whether an owner already holding owned APIs may publish another.
func CanPublish(l Limits, owned int) bool {
	if l.PublishQuota == Unlimited {
		return true
	}
	return owned < l.PublishQuota
}

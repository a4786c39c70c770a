package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CartMutationsTotal counts cart store mutations by operation and result.
	CartMutationsTotal *prometheus.CounterVec
	// CartExpiredTotal counts carts discarded at load time because they outlived the TTL.
	CartExpiredTotal prometheus.Counter
	// DiscountResolutionsTotal counts discount validations by outcome (applied or rejection reason).
	DiscountResolutionsTotal *prometheus.CounterVec
	// CheckoutTransitionsTotal counts checkout state machine transitions.
	CheckoutTransitionsTotal *prometheus.CounterVec
	// EnrichmentFailuresTotal counts per-line product lookups that failed during enrichment.
	EnrichmentFailuresTotal prometheus.Counter
	// ShippingQuotesTotal counts shipping quote lookups by result.
	ShippingQuotesTotal *prometheus.CounterVec
	// DebounceDroppedTotal counts superseded lookups whose results were discarded.
	DebounceDroppedTotal *prometheus.CounterVec
)

func init() {
	// Collectors exist unregistered until MustRegisterDomainMetrics so packages and tests
	// can record without nil checks.
	buildDomainMetrics("storefront")
}

func buildDomainMetrics(namespace string) {
	CartMutationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cart_mutations_total",
		Help:      "Cart store mutations by operation and result.",
	}, []string{"op", "result"})
	CartExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cart_expired_total",
		Help:      "Persisted carts discarded at load because they outlived the expiry window.",
	})
	DiscountResolutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discount_resolutions_total",
		Help:      "Discount code validations by outcome.",
	}, []string{"outcome"})
	CheckoutTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checkout_transitions_total",
		Help:      "Checkout state machine transitions.",
	}, []string{"from", "to"})
	EnrichmentFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "enrichment_failures_total",
		Help:      "Cart line product lookups that failed during enrichment.",
	})
	ShippingQuotesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shipping_quotes_total",
		Help:      "Shipping quote lookups by result.",
	}, []string{"result"})
	DebounceDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "debounce_dropped_total",
		Help:      "Superseded lookups whose results were discarded.",
	}, []string{"lookup"})
}

// MustRegisterDomainMetrics initialises and registers storefront domain collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if namespace != "" && namespace != "storefront" {
			buildDomainMetrics(namespace)
		}
		CartMutationsTotal = registerOrReuse(reg, CartMutationsTotal)
		CartExpiredTotal = registerOrReuse(reg, CartExpiredTotal)
		DiscountResolutionsTotal = registerOrReuse(reg, DiscountResolutionsTotal)
		CheckoutTransitionsTotal = registerOrReuse(reg, CheckoutTransitionsTotal)
		EnrichmentFailuresTotal = registerOrReuse(reg, EnrichmentFailuresTotal)
		ShippingQuotesTotal = registerOrReuse(reg, ShippingQuotesTotal)
		DebounceDroppedTotal = registerOrReuse(reg, DebounceDroppedTotal)
	})
}

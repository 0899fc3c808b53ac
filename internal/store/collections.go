package store

// Collection routing and tier naming. The topic strings and collection names
// are part of the external contract shared with the query API and UI.

const (
	CollTelemetryEvents = "telemetry_events"

	CollGridRT      = "grid_rt_data"
	CollGridEnyNow  = "grid_eny_now_data"
	CollGridDay     = "grid_day_data"
	CollGridEnyFrz  = "grid_eny_frz_data"
	CollEnvironment = "environment_data"
	CollGenerator   = "generator_data"

	CollSolar             = "solar_data"
	CollSolarToday        = "today_solar_data"
	CollSolarCurrentMonth = "current_month_solar_data"
)

const (
	TopicRT        = "MQTT_RT_DATA"
	TopicEnyNow    = "MQTT_ENY_NOW"
	TopicDay       = "MQTT_DAY_DATA"
	TopicEnyFrz    = "MQTT_ENY_FRZ"
	TopicEnv       = "CCCL/PURBACHAL/ENV_01"
	TopicGenerator = "CCCL/PURBACHAL/ENM_01"
	TopicSolar     = "TCP_SOLAR_DATA"
)

var topicCollections = map[string]string{
	TopicRT:        CollGridRT,
	TopicEnyNow:    CollGridEnyNow,
	TopicDay:       CollGridDay,
	TopicEnyFrz:    CollGridEnyFrz,
	TopicEnv:       CollEnvironment,
	TopicGenerator: CollGenerator,
}

// CollectionFor returns the primary collection for a recognised MQTT topic.
func CollectionFor(topic string) (string, bool) {
	c, ok := topicCollections[topic]
	return c, ok
}

// Tier prefixes over a base collection name, ordered from shortest retention.
const (
	TierToday      = "today_"
	TierLast7Days  = "last_7_days_"
	TierLast30Days = "last_30_days_"
	TierLast6Mo    = "last_6_months_"
	TierThisYear   = "this_year_"
)

// tierChains maps each aggregated family to the tiers it cascades through.
// The eny_now family has no seven-day tier; its today tier is written at
// ingest rather than by a one-minute job.
var tierChains = map[string][]string{
	CollGridRT:      {TierToday, TierLast7Days, TierLast30Days, TierLast6Mo, TierThisYear},
	CollEnvironment: {TierToday, TierLast7Days, TierLast30Days, TierLast6Mo, TierThisYear},
	CollGridEnyNow:  {TierToday, TierLast30Days, TierLast6Mo, TierThisYear},
}

// BaseCollections lists collections that carry a plain timestamp index.
func BaseCollections() []string {
	return []string{
		CollGridRT,
		CollGridEnyNow,
		CollGridDay,
		CollGridEnyFrz,
		CollEnvironment,
		CollGenerator,
		CollSolar,
		CollSolarToday,
		CollSolarCurrentMonth,
	}
}

// TTLCollections returns tier prefix -> distinct collection names carrying a
// TTL index at that tier.
func TTLCollections() map[string][]string {
	out := make(map[string][]string, 5)
	for base, tiers := range tierChains {
		for _, tier := range tiers {
			out[tier] = append(out[tier], tier+base)
		}
	}
	return out
}

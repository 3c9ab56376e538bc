package registry

import "github.com/eventcore/eventcore/internal/eventrule"

// Templates is the static catalogue of canned rules. The first eight carry
// forward the SQL shapes of the original router's water-treatment monitoring
// templates (window functions, multi-table joins, per-domain column names),
// adapted in two ways: the original's per-template "rows > 0" gate is
// replaced with this engine's field/operator/threshold/duration model, and
// each template's entity-id column is aliased to station_id so the poller's
// source identification picks it up. flow-rate-anomaly is this catalogue's
// own addition, not present in the original router.
var Templates = []eventrule.Template{
	{
		ID:          "gac-turbidity-rise",
		Category:    "water_quality",
		Name:        "GAC turbidity rise",
		Description: "Detects a sustained turbidity rise after the granular activated carbon filter stage that backwash hasn't resolved.",
		DefaultSQL: `SELECT
    filter_id AS station_id,
    turbidity,
    AVG(turbidity) OVER (PARTITION BY filter_id ORDER BY measured_at ROWS BETWEEN 10 PRECEDING AND 1 PRECEDING) AS avg_turbidity,
    measured_at
FROM filter_readings
WHERE measured_at >= NOW() - INTERVAL '1 hour'
  AND turbidity > (
    SELECT AVG(turbidity) * 1.2
    FROM filter_readings
    WHERE measured_at >= NOW() - INTERVAL '24 hours'
  )
GROUP BY filter_id, turbidity, measured_at
HAVING COUNT(*) >= 3
ORDER BY measured_at DESC
LIMIT 50`,
		DefaultIntervalMinutes: 10,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionAlert,
		SuggestedProcess:       "backwash_schedule_adjustment",
		FieldName:              "turbidity",
		Operator:               eventrule.OpGT,
		Threshold:              1.0,
		DurationMinutes:        10,
		WindowMinutes:          30,
	},
	{
		ID:          "backwash-error",
		Category:    "equipment",
		Name:        "Backwash cycle error",
		Description: "Backwash is overdue and has been repeatedly delayed by tank-level constraints.",
		DefaultSQL: `SELECT
    filter_id AS station_id,
    scheduled_time,
    actual_time,
    delay_count,
    water_level,
    status
FROM backwash_schedule
WHERE scheduled_time <= NOW()
  AND (actual_time IS NULL OR delay_count >= 10)
  AND status IN ('PENDING', 'DELAYED')
ORDER BY scheduled_time DESC
LIMIT 50`,
		DefaultIntervalMinutes: 5,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionAlert,
		SuggestedProcess:       "manual_backwash_control",
		FieldName:              "delay_count",
		Operator:               eventrule.OpGTE,
		Threshold:              10,
		DurationMinutes:        0,
		WindowMinutes:          30,
	},
	{
		ID:          "intake-water-level-risk",
		Category:    "water_quality",
		Name:        "Intake water level risk",
		Description: "Intake tank level has moved outside its normal band and stayed there.",
		DefaultSQL: `SELECT
    tank_id AS station_id,
    water_level,
    lower_limit,
    upper_limit,
    measured_at,
    CASE
        WHEN water_level < lower_limit THEN 'LOW'
        WHEN water_level > upper_limit THEN 'HIGH'
        ELSE 'NORMAL'
    END AS level_status
FROM water_tank_levels
WHERE measured_at >= NOW() - INTERVAL '30 minutes'
  AND (water_level < lower_limit OR water_level > upper_limit)
ORDER BY measured_at DESC
LIMIT 50`,
		DefaultIntervalMinutes: 5,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionAlert,
		SuggestedProcess:       "pump_rate_adjustment",
		FieldName:              "water_level",
		Operator:               eventrule.OpGTE,
		Threshold:              3.0,
		DurationMinutes:        10,
		WindowMinutes:          30,
	},
	{
		ID:          "pump-combination-fail",
		Category:    "equipment",
		Name:        "Pump combination failure",
		Description: "A recommended pump combination failed against site constraints.",
		DefaultSQL: `SELECT
    recommendation_id AS station_id,
    pump_combination,
    failure_reason,
    constraint_violated,
    created_at,
    1 AS failure_flag
FROM pump_recommendations
WHERE status = 'FAILED'
  AND created_at >= NOW() - INTERVAL '1 hour'
ORDER BY created_at DESC
LIMIT 50`,
		DefaultIntervalMinutes: 10,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionProcess,
		SuggestedProcess:       "manual_pump_control",
		FieldName:              "failure_flag",
		Operator:               eventrule.OpGTE,
		Threshold:              1,
		DurationMinutes:        0,
		WindowMinutes:          30,
	},
	{
		ID:          "chemical-sensor-error",
		Category:    "equipment",
		Name:        "Chemical sensor error",
		Description: "A chemical dosing sensor reading jumped or went missing relative to its previous reading.",
		DefaultSQL: `SELECT
    sensor_id AS station_id,
    sensor_type,
    value,
    prev_value,
    ABS(value - prev_value) / NULLIF(prev_value, 0) * 100 AS change_percent,
    measured_at
FROM chemical_sensor_readings
WHERE measured_at >= NOW() - INTERVAL '30 minutes'
  AND (
    value IS NULL
    OR ABS(value - prev_value) / NULLIF(prev_value, 0) > 0.5
  )
ORDER BY measured_at DESC
LIMIT 50`,
		DefaultIntervalMinutes: 5,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionAlert,
		SuggestedProcess:       "manual_dosing_control",
		FieldName:              "change_percent",
		Operator:               eventrule.OpGT,
		Threshold:              50.0,
		DurationMinutes:        0,
		WindowMinutes:          30,
	},
	{
		ID:          "sludge-collector-issue",
		Category:    "equipment",
		Name:        "Sludge collector issue",
		Description: "Sludge collector outflow has fallen well below its expected rate, suggesting a clog or motor problem.",
		DefaultSQL: `SELECT
    collector_id AS station_id,
    sludge_flow,
    expected_flow,
    motor_current,
    (expected_flow - sludge_flow) / NULLIF(expected_flow, 0) * 100 AS flow_deficit_percent,
    measured_at
FROM sludge_collector_readings
WHERE measured_at >= NOW() - INTERVAL '1 hour'
  AND sludge_flow < expected_flow * 0.7
ORDER BY measured_at DESC
LIMIT 50`,
		DefaultIntervalMinutes: 15,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionProcess,
		SuggestedProcess:       "equipment_inspection_request",
		FieldName:              "flow_deficit_percent",
		Operator:               eventrule.OpGTE,
		Threshold:              30.0,
		DurationMinutes:        10,
		WindowMinutes:          30,
	},
	{
		ID:          "ems-peak-forecast",
		Category:    "energy",
		Name:        "EMS peak demand forecast",
		Description: "Forecasted power draw is closing in on the contracted limit within the next two hours.",
		DefaultSQL: `SELECT
    forecast_time,
    predicted_power_kw,
    contract_limit_kw,
    internal_limit_kw,
    predicted_power_kw - contract_limit_kw AS over_contract,
    predicted_power_kw / NULLIF(contract_limit_kw, 0) AS forecast_load_ratio,
    confidence
FROM power_forecast
WHERE forecast_time BETWEEN NOW() AND NOW() + INTERVAL '2 hours'
  AND predicted_power_kw > contract_limit_kw * 0.9
ORDER BY forecast_time
LIMIT 50`,
		DefaultIntervalMinutes: 30,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionProcess,
		SuggestedProcess:       "load_shedding_control",
		FieldName:              "forecast_load_ratio",
		Operator:               eventrule.OpGTE,
		Threshold:              0.9,
		DurationMinutes:        0,
		WindowMinutes:          30,
	},
	{
		ID:          "system-ai-failure",
		Category:    "system",
		Name:        "System AI failure",
		Description: "The AI analysis pipeline, visualization server, or data pipeline is unhealthy or has gone quiet.",
		DefaultSQL: `SELECT
    service_name AS station_id,
    status,
    error_message,
    last_heartbeat,
    EXTRACT(EPOCH FROM (NOW() - last_heartbeat)) AS downtime_seconds
FROM system_health
WHERE status != 'HEALTHY'
   OR last_heartbeat < NOW() - INTERVAL '5 minutes'
ORDER BY last_heartbeat DESC
LIMIT 50`,
		DefaultIntervalMinutes: 1,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionProcess,
		SuggestedProcess:       "service_restart",
		FieldName:              "downtime_seconds",
		Operator:               eventrule.OpGTE,
		Threshold:              300,
		DurationMinutes:        0,
		WindowMinutes:          30,
	},
	// flow-rate-anomaly is not in the original router; added to cover
	// distribution-side flow monitoring alongside the eight intake/filter/
	// chemical/energy templates above.
	{
		ID:                     "flow-rate-anomaly",
		Category:               "water_quality",
		Name:                   "Flow rate anomaly",
		Description:            "Sustained abnormal flow rate at an intake or distribution station.",
		DefaultSQL:             "SELECT station_id, flow_rate, measured_at FROM flow_readings ORDER BY measured_at DESC LIMIT 50",
		DefaultIntervalMinutes: 5,
		DefaultThresholdExpr:   "rows > 0",
		RecommendedAction:      eventrule.ActionAlert,
		FieldName:              "flow_rate",
		Operator:               eventrule.OpLT,
		Threshold:              10.0,
		DurationMinutes:        15,
		WindowMinutes:          30,
	},
}

// TemplateByID returns the template with the given id, or nil.
func TemplateByID(id string) *eventrule.Template {
	for i := range Templates {
		if Templates[i].ID == id {
			return &Templates[i]
		}
	}
	return nil
}

// TemplateCategories returns the distinct category names present in the catalogue.
func TemplateCategories() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range Templates {
		if !seen[t.Category] {
			seen[t.Category] = true
			out = append(out, t.Category)
		}
	}
	return out
}

// TemplatesByCategory groups the catalogue by category.
func TemplatesByCategory() map[string][]eventrule.Template {
	out := make(map[string][]eventrule.Template)
	for _, t := range Templates {
		out[t.Category] = append(out[t.Category], t)
	}
	return out
}

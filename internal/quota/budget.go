package quota

const DefaultDailyBudgetUSD = 50.0

const (
	BudgetHealthy  = "healthy"
	BudgetCaution  = "caution"
	BudgetWarning  = "warning"
	BudgetCritical = "critical"
)

type BudgetReport struct {
	LimitUSD   float64 `json:"limit_usd"`
	SpentUSD   float64 `json:"spent_usd"`
	Percentage float64 `json:"percentage"`
	Status     string  `json:"status"`
}

// BudgetStatus grades spend against a USD limit. A non-positive limit is
// treated as unbudgeted and always healthy.
func BudgetStatus(spent, limit float64) BudgetReport {
	report := BudgetReport{LimitUSD: limit, SpentUSD: spent, Status: BudgetHealthy}
	if limit <= 0 {
		return report
	}
	report.Percentage = spent / limit * 100
	switch {
	case report.Percentage > 90:
		report.Status = BudgetCritical
	case report.Percentage > 75:
		report.Status = BudgetWarning
	case report.Percentage > 50:
		report.Status = BudgetCaution
	}
	return report
}

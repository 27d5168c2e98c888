package domain

import "time"

// Market is the venue metadata needed to trade one binary up/down market.
type Market struct {
	ID          string
	Question    string
	Slug        string
	Outcomes    [2]string
	TokenIDs    [2]string
	ConditionID string
	NegRisk     bool
	Active      bool
	EndDate     time.Time
}

// OutcomeFor returns the outcome label traded by tokenID, or "" when the
// token does not belong to this market.
func (m Market) OutcomeFor(tokenID string) string {
	for i, id := range m.TokenIDs {
		if id == tokenID {
			return m.Outcomes[i]
		}
	}
	return ""
}

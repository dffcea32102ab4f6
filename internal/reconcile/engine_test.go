package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/bankfeed/internal/common"
	"github.com/Veraticus/bankfeed/internal/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func txn(id, amount, date, desc string) *model.Transaction {
	return &model.Transaction{
		ID:          id,
		Amount:      decimal.RequireFromString(amount),
		BookingDate: day(date),
		Description: desc,
	}
}

func entry(id, amount, date, desc string) model.AccountingEntry {
	return model.AccountingEntry{
		ID:          id,
		Amount:      decimal.RequireFromString(amount),
		Date:        day(date),
		Description: desc,
	}
}

func TestMatch_EDFInvoice(t *testing.T) {
	e := New(DefaultConfig())
	tx := txn("tx-1", "-50.75", "2024-01-15", "EDF FACTURE")

	out, err := e.Match(context.Background(), tx, []model.AccountingEntry{entry("e-1", "50.75", "2024-01-16", "EDF")}, nil)
	require.NoError(t, err)
	require.Len(t, out.Matches, 1)

	m := out.Matches[0]
	assert.Equal(t, model.MatchAutomatic, m.Type)
	assert.Equal(t, "e-1", m.EntryID)
	assert.InDelta(t, 0.5*1+0.3*0.9+0.2*0.5, m.Confidence, 1e-9)
	assert.Greater(t, m.Confidence, 0.3)
	assert.Less(t, m.Confidence, 1.0)
	assert.False(t, m.Committed)
	assert.False(t, tx.Reconciled)

	require.NotNil(t, m.Discrepancy)
	assert.Nil(t, m.Discrepancy.AmountDelta)
	require.NotNil(t, m.Discrepancy.DayGap)
	assert.Equal(t, 1, *m.Discrepancy.DayGap)
	assert.True(t, m.Discrepancy.DescriptionMismatch)
	assert.Equal(t, "EDF FACTURE", m.Discrepancy.TransactionDescription)
}

func TestMatch_IdenticalFieldsScoreOne(t *testing.T) {
	e := New(DefaultConfig())
	tests := []struct {
		amount, date, txDesc, entryDesc string
	}{
		{amount: "-50.75", date: "2024-01-15", txDesc: "EDF FACTURE", entryDesc: "edf   facture"},
		{amount: "1200", date: "2023-12-31", txDesc: "SALAIRE DECEMBRE", entryDesc: "Salaire Decembre"},
		{amount: "0.01", date: "2024-02-29", txDesc: "FRAIS", entryDesc: "frais"},
		{amount: "-9999.99", date: "2024-06-01", txDesc: "", entryDesc: ""},
	}

	for _, tt := range tests {
		t.Run(tt.txDesc, func(t *testing.T) {
			tx := txn("tx", tt.amount, tt.date, tt.txDesc)
			en := entry("e", decimal.RequireFromString(tt.amount).Neg().String(), tt.date, tt.entryDesc)

			out, err := e.Match(context.Background(), tx, []model.AccountingEntry{en}, nil)
			require.NoError(t, err)
			require.Len(t, out.Matches, 1)
			assert.InDelta(t, 1.0, out.Matches[0].Confidence, 1e-9)
			assert.Nil(t, out.Matches[0].Discrepancy, "agreeing values produce no discrepancy")
			assert.Equal(t, model.MatchMatched, out.Matches[0].Status)
		})
	}
}

func TestScore_Bounds(t *testing.T) {
	e := New(DefaultConfig())
	pairs := []struct {
		tx *model.Transaction
		en model.AccountingEntry
	}{
		{tx: txn("a", "0", "2024-01-01", ""), en: entry("a", "0", "2024-01-01", "")},
		{tx: txn("b", "100", "2024-01-01", "A B C"), en: entry("b", "1", "2025-01-01", "X Y")},
		{tx: txn("c", "-1", "2024-01-01", "A"), en: entry("c", "1000000", "2024-01-01", "A")},
		{tx: txn("d", "0", "2024-01-01", "A"), en: entry("d", "5", "2024-03-01", "B")},
		{tx: txn("e", "12.34", "2024-01-10", "SAME"), en: entry("e", "-12.34", "2024-01-01", "same")},
	}
	for i, p := range pairs {
		score := e.Score(p.tx, p.en)
		assert.GreaterOrEqual(t, score, 0.0, "pair %d", i)
		assert.LessOrEqual(t, score, 1.0, "pair %d", i)
	}
}

func TestMatch_DiscardsLowConfidence(t *testing.T) {
	e := New(Config{AmountTolerance: decimal.NewFromInt(10000), DateWindow: 60})
	tx := txn("tx", "-100", "2024-01-01", "CARTE AMAZON")

	out, err := e.Match(context.Background(), tx, []model.AccountingEntry{
		entry("far", "1000", "2024-01-21", "Loyer janvier"),
		entry("close", "100", "2024-01-02", "Amazon"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Candidates)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "close", out.Matches[0].EntryID)
	for _, m := range out.Matches {
		assert.GreaterOrEqual(t, m.Confidence, 0.3)
	}
}

func TestMatch_SortsByConfidence(t *testing.T) {
	e := New(DefaultConfig())
	tx := txn("tx", "-42.00", "2024-03-10", "SNCF BILLET")

	out, err := e.Match(context.Background(), tx, []model.AccountingEntry{
		entry("week", "42", "2024-03-16", "Train"),
		entry("same-day", "42", "2024-03-10", "SNCF billet"),
		entry("two-days", "42", "2024-03-12", "SNCF"),
	}, nil)
	require.NoError(t, err)
	require.Len(t, out.Matches, 3)
	assert.Equal(t, "same-day", out.Matches[0].EntryID)
	assert.Equal(t, "two-days", out.Matches[1].EntryID)
	assert.Equal(t, "week", out.Matches[2].EntryID)
	assert.Equal(t, "same-day", out.Best().EntryID)
}

func TestMatch_CandidateFilter(t *testing.T) {
	e := New(DefaultConfig())
	tx := txn("tx", "-50.75", "2024-01-15", "EDF")

	reconciled := entry("done", "50.75", "2024-01-15", "EDF")
	reconciled.Reconciled = true

	out, err := e.Match(context.Background(), tx, []model.AccountingEntry{
		reconciled,
		entry("off-by-two-cents", "50.77", "2024-01-15", "EDF"),
		entry("one-cent", "50.76", "2024-01-15", "EDF"),
		entry("too-late", "50.75", "2024-01-23", "EDF"),
		entry("edge-of-window", "50.75", "2024-01-22", "EDF"),
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Candidates)

	var ids []string
	for _, m := range out.Matches {
		ids = append(ids, m.EntryID)
	}
	assert.ElementsMatch(t, []string{"one-cent", "edge-of-window"}, ids)
}

func TestMatch_NoCandidates(t *testing.T) {
	e := New(DefaultConfig())
	out, err := e.Match(context.Background(), txn("tx", "-10", "2024-01-01", "X"), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, out.Matches)
	assert.Nil(t, out.Best())
}

func TestMatch_RulesRunInPriorityOrderWithoutShortCircuit(t *testing.T) {
	e := New(DefaultConfig())
	tx := txn("tx", "-50.75", "2024-01-15", "EDF FACTURE")
	entries := []model.AccountingEntry{entry("e-1", "50.75", "2024-01-15", "EDF")}

	r1 := model.ReconciliationRule{
		ID: "r1", Name: "energy", Priority: 1, Active: true, AutoApply: true,
		Conditions: []model.RuleCondition{{Field: model.FieldDescription, Operator: model.OpContains, Value: "edf"}},
		Actions:    []model.RuleAction{{Type: model.ActionMatch}, {Type: model.ActionCategorize, Value: "energy"}},
	}
	r2 := model.ReconciliationRule{
		ID: "r2", Name: "review large", Priority: 2, Active: true,
		Conditions: []model.RuleCondition{{Field: model.FieldAmount, Operator: model.OpRange, Value: "10", Value2: "100"}},
		Actions:    []model.RuleAction{{Type: model.ActionFlag, Value: "check"}, {Type: model.ActionSplit}},
	}

	out, err := e.Match(context.Background(), tx, entries, []model.ReconciliationRule{r2, r1})
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2"}, out.FiredRules)
	require.Len(t, out.Matches, 2)

	first, second := out.Matches[0], out.Matches[1]
	assert.Equal(t, "r1", first.RuleID)
	assert.Equal(t, model.MatchRuleBased, first.Type)
	assert.Equal(t, model.MatchMatched, first.Status)
	assert.Equal(t, "energy", first.Category)
	assert.True(t, first.Committed)

	assert.Equal(t, "r2", second.RuleID)
	assert.Equal(t, model.MatchPartial, second.Status)
	assert.True(t, second.Flagged)
	assert.Equal(t, "check", second.Note)
	assert.Equal(t, []model.RuleActionType{model.ActionSplit}, second.PendingActions)
	assert.False(t, second.Committed)

	assert.True(t, tx.Reconciled)
	assert.Equal(t, []string{"e-1"}, tx.LinkedEntryIDs)
	assert.Equal(t, "energy", tx.Category)
}

func TestMatch_InactiveAndFailingRulesFallBackToHeuristic(t *testing.T) {
	e := New(DefaultConfig())
	tx := txn("tx", "-50.75", "2024-01-15", "EDF FACTURE")
	rules := []model.ReconciliationRule{
		{ID: "off", Name: "off", Priority: 1, Active: false,
			Conditions: []model.RuleCondition{{Field: model.FieldDescription, Operator: model.OpContains, Value: "edf"}}},
		{ID: "miss", Name: "miss", Priority: 2, Active: true,
			Conditions: []model.RuleCondition{{Field: model.FieldDescription, Operator: model.OpContains, Value: "edf"}, {Field: model.FieldCategory, Operator: model.OpEquals, Value: "rent"}}},
	}

	out, err := e.Match(context.Background(), tx, []model.AccountingEntry{entry("e", "50.75", "2024-01-15", "EDF")}, rules)
	require.NoError(t, err)
	assert.Empty(t, out.FiredRules)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, model.MatchAutomatic, out.Matches[0].Type)
}

func TestConditionHolds(t *testing.T) {
	e := New(DefaultConfig())
	tx := &model.Transaction{
		Amount:       decimal.RequireFromString("-50.75"),
		BookingDate:  day("2024-01-15"),
		Description:  "PRLV SEPA EDF FACTURE",
		Counterparty: "Electricite de France",
		Reference:    "INV-2024-001",
		Category:     "utilities",
	}

	tests := []struct {
		cond model.RuleCondition
		want bool
	}{
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpEquals, Value: "50.75"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpEquals, Value: "-50.76"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpEquals, Value: "50.77"}, want: false},
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpRange, Value: "50", Value2: "51"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpRange, Value: "60", Value2: "70"}, want: false},
		{cond: model.RuleCondition{Field: model.FieldAmount, Operator: model.OpStartsWith, Value: "50."}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDate, Operator: model.OpEquals, Value: "2024-01-15"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDate, Operator: model.OpDateRange, Value: "2024-01-01", Value2: "2024-01-31"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDate, Operator: model.OpDateRange, Value: "2024-02-01", Value2: "2024-02-29"}, want: false},
		{cond: model.RuleCondition{Field: model.FieldDescription, Operator: model.OpContains, Value: "edf"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDescription, Operator: model.OpStartsWith, Value: "prlv"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDescription, Operator: model.OpEndsWith, Value: "facture"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDescription, Operator: model.OpRegex, Value: `^prlv sepa (edf|engie)`}, want: true},
		{cond: model.RuleCondition{Field: model.FieldDescription, Operator: model.OpRegex, Value: `(`}, want: false},
		{cond: model.RuleCondition{Field: model.FieldCounterparty, Operator: model.OpSimilar, Value: "Electricite de Frace"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldCounterparty, Operator: model.OpSimilar, Value: "Engie"}, want: false},
		{cond: model.RuleCondition{Field: model.FieldCounterparty, Operator: model.OpSimilar, Value: "Electricite", Value2: "0.5"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldReference, Operator: model.OpEquals, Value: "inv-2024-001"}, want: true},
		{cond: model.RuleCondition{Field: model.FieldCategory, Operator: model.OpEquals, Value: "rent"}, want: false},
		{cond: model.RuleCondition{Field: "merchant", Operator: model.OpEquals, Value: "x"}, want: false},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s %s %s", tt.cond.Field, tt.cond.Operator, tt.cond.Value)
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.conditionHolds(tx, tt.cond))
		})
	}
}

func TestValidateRule(t *testing.T) {
	valid := model.ReconciliationRule{
		Name:       "ok",
		Conditions: []model.RuleCondition{{Field: model.FieldAmount, Operator: model.OpRange, Value: "1", Value2: "2"}},
		Actions:    []model.RuleAction{{Type: model.ActionCategorize, Value: "x"}},
	}
	require.NoError(t, ValidateRule(valid))

	tests := []struct {
		mutate func(r *model.ReconciliationRule)
		name   string
	}{
		{name: "no name", mutate: func(r *model.ReconciliationRule) { r.Name = "" }},
		{name: "no conditions", mutate: func(r *model.ReconciliationRule) { r.Conditions = nil }},
		{name: "unknown field", mutate: func(r *model.ReconciliationRule) { r.Conditions[0].Field = "merchant" }},
		{name: "unknown operator", mutate: func(r *model.ReconciliationRule) { r.Conditions[0].Operator = "near" }},
		{name: "bad range bound", mutate: func(r *model.ReconciliationRule) { r.Conditions[0].Value2 = "lots" }},
		{name: "bad regex", mutate: func(r *model.ReconciliationRule) {
			r.Conditions[0] = model.RuleCondition{Field: model.FieldDescription, Operator: model.OpRegex, Value: "("}
		}},
		{name: "date range on amount", mutate: func(r *model.ReconciliationRule) { r.Conditions[0].Operator = model.OpDateRange }},
		{name: "bad date", mutate: func(r *model.ReconciliationRule) {
			r.Conditions[0] = model.RuleCondition{Field: model.FieldDate, Operator: model.OpEquals, Value: "15/01/2024"}
		}},
		{name: "categorize without value", mutate: func(r *model.ReconciliationRule) { r.Actions[0].Value = "" }},
		{name: "unknown action", mutate: func(r *model.ReconciliationRule) { r.Actions[0].Type = "delete" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			r.Conditions = append([]model.RuleCondition(nil), valid.Conditions...)
			r.Actions = append([]model.RuleAction(nil), valid.Actions...)
			tt.mutate(&r)

			var valErr *common.ValidationError
			require.ErrorAs(t, ValidateRule(r), &valErr)
		})
	}
}

func TestMatch_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(DefaultConfig()).Match(ctx, txn("tx", "1", "2024-01-01", ""), nil, nil)
	require.ErrorIs(t, err, context.Canceled)
}

package ai

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/rs/zerolog"

	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/reconcile"
	"github.com/dvloznov/finboard/internal/rules"
)

// cleanModelJSON strips Markdown fences and surrounding junk the model may
// emit despite instructions, keeping only the outermost JSON object.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		// Drop the first line (``` or ```json).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	s = strings.TrimSpace(s)

	// Extra safety: keep only from the first '{' to the last '}'.
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}
	return s
}

// parseSuggestion decodes a classification response. The category is
// validated against the vocabulary matching isIncome; anything
// off-vocabulary becomes "Other" rather than reaching the caller raw.
func parseSuggestion(raw string, log zerolog.Logger) (rules.Entry, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &obj); err != nil {
		return rules.Entry{}, fmt.Errorf("unmarshal suggestion: %w", err)
	}

	entry := rules.Entry{}
	entry.IsIncome, _ = obj["isIncome"].(bool)

	category, err := getStringField(obj, "category", true)
	if err != nil {
		return rules.Entry{}, err
	}
	entry.Category = domain.SanitizeCategory(entry.Kind(), category)
	if entry.Category == domain.CategoryOther && !strings.EqualFold(strings.TrimSpace(category), domain.CategoryOther) {
		log.Warn().Str("category", category).Msg("model guessed an off-vocabulary category")
	}

	freq, err := getStringField(obj, "frequency", true)
	if err != nil {
		return rules.Entry{}, err
	}
	entry.Frequency = domain.Frequency(strings.ToLower(strings.TrimSpace(freq)))
	if !entry.Frequency.Valid() {
		log.Warn().Str("frequency", freq).Msg("model guessed an unknown frequency")
	}

	if !entry.IsIncome {
		typ, _ := getStringField(obj, "type", false)
		entry.Type = expenseType(typ)
	}
	return entry, nil
}

// parseExtraction decodes a document-extraction response into statement
// metadata plus candidates. Candidate categories are sanitized the same way
// suggestions are; a candidate with an unparseable date or amount fails the
// whole batch so the user never reviews half a statement.
func parseExtraction(raw string, log zerolog.Logger) (*Extraction, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(cleanModelJSON(raw)), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal extraction: %w", err)
	}

	ext := &Extraction{}

	if metaAny, ok := obj["metadata"].(map[string]interface{}); ok {
		provider, err := getStringField(metaAny, "provider", true)
		if err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
		ext.Metadata.Provider = provider

		if last4, err := getOptionalStringField(metaAny, "last4"); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		} else if last4 != nil {
			ext.Metadata.Last4 = *last4
		}

		if balance, err := getOptionalFloat64Field(metaAny, "balance"); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		} else {
			ext.Metadata.Balance = balance
		}

		typ, _ := getStringField(metaAny, "type", false)
		if domain.StatementType(typ) == domain.StatementBankAccount {
			ext.Metadata.Type = domain.StatementBankAccount
		} else {
			ext.Metadata.Type = domain.StatementCreditCard
		}
	}

	txAny, ok := obj["transactions"]
	if !ok {
		return nil, fmt.Errorf("missing 'transactions' key in model output")
	}
	txSlice, ok := txAny.([]interface{})
	if !ok {
		return nil, fmt.Errorf("'transactions' is %T, want array", txAny)
	}

	for i, item := range txSlice {
		row, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("transaction %d is %T, want object", i, item)
		}
		cand, err := parseCandidate(row, log)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		ext.Transactions = append(ext.Transactions, cand)
	}

	return ext, nil
}

func parseCandidate(row map[string]interface{}, log zerolog.Logger) (reconcile.Candidate, error) {
	var cand reconcile.Candidate

	name, err := getStringField(row, "name", true)
	if err != nil {
		return cand, err
	}
	cand.Name = name

	dateStr, err := getStringField(row, "date", true)
	if err != nil {
		return cand, err
	}
	parsed, err := time.Parse("2006-01-02", dateStr)
	if err != nil {
		return cand, fmt.Errorf("invalid date %q: %w", dateStr, err)
	}
	cand.Date = civil.DateOf(parsed)

	amount, err := getFloat64Field(row, "amount", true)
	if err != nil {
		return cand, err
	}
	if amount < 0 {
		amount = -amount
	}
	cand.Amount = amount

	cand.IsIncome, _ = row["isIncome"].(bool)

	kind := domain.KindExpense
	if cand.IsIncome {
		kind = domain.KindIncome
	}
	category, err := getStringField(row, "category", true)
	if err != nil {
		return cand, err
	}
	cand.Category = domain.SanitizeCategory(kind, category)

	freq, err := getStringField(row, "frequency", true)
	if err != nil {
		return cand, err
	}
	cand.Frequency = domain.Frequency(strings.ToLower(strings.TrimSpace(freq)))
	if !cand.Frequency.Valid() {
		log.Warn().Str("name", name).Str("frequency", freq).Msg("extractor guessed an unknown frequency, defaulting to one-time")
		cand.Frequency = domain.OneTime
	}

	if !cand.IsIncome {
		typ, _ := getStringField(row, "type", false)
		cand.Type = expenseType(typ)
	}
	return cand, nil
}

func expenseType(raw string) domain.ExpenseType {
	switch domain.ExpenseType(strings.ToLower(strings.TrimSpace(raw))) {
	case domain.TypeBill:
		return domain.TypeBill
	case domain.TypeSubscription:
		return domain.TypeSubscription
	default:
		return domain.TypeVariable
	}
}

func getStringField(m map[string]interface{}, key string, required bool) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		if required {
			return "", fmt.Errorf("missing required field %q", key)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %q has type %T, want string", key, v)
	}
	if required && strings.TrimSpace(s) == "" {
		return "", fmt.Errorf("required field %q is empty", key)
	}
	return s, nil
}

func getOptionalStringField(m map[string]interface{}, key string) (*string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("field %q has type %T, want string or null", key, v)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	return &s, nil
}

func getFloat64Field(m map[string]interface{}, key string, required bool) (float64, error) {
	v, ok := m[key]
	if !ok {
		if required {
			return 0, fmt.Errorf("missing required field %q", key)
		}
		return 0, nil
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("field %q has type %T, want number", key, v)
	}
	return f, nil
}

func getOptionalFloat64Field(m map[string]interface{}, key string) (*float64, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok {
		return nil, fmt.Errorf("field %q has type %T, want number or null", key, v)
	}
	return &f, nil
}

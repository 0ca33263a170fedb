package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dvloznov/finboard/internal/domain"
	"github.com/dvloznov/finboard/internal/rules"
)

func classifyPrompt(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Classify transaction: %q\n\n", name)
	b.WriteString("Context lists:\n")
	b.WriteString("- Income Categories: " + strings.Join(domain.IncomeCategories, ", ") + "\n")
	b.WriteString("- Expense Categories: " + strings.Join(domain.ExpenseCategories, ", ") + "\n\n")
	b.WriteString("Return STRICT JSON only (no comments, no Markdown, no code fences):\n")
	b.WriteString(`{
  "category": "String (must be one of the lists above)",
  "frequency": "String (one-time, weekly, biweekly, monthly, quarterly, annual)",
  "isIncome": boolean,
  "type": "String (variable, bill, subscription) - only for expenses"
}` + "\n")
	return b.String()
}

func extractPrompt(known map[string]rules.Entry) string {
	var b strings.Builder
	b.WriteString("You are a financial statement parser for bank and credit card statements and receipts.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- Parse ALL transactions in the attached document(s).\n")
	b.WriteString("- Output STRICT JSON only (no comments, no trailing commas, no extra text).\n\n")
	b.WriteString("Output a single JSON object with this shape:\n")
	b.WriteString(`{
  "metadata": {
    "provider": "String (issuer name)",
    "last4": "String (account suffix) or null",
    "balance": number or null,
    "type": "credit_card" or "bank_account"
  },
  "transactions": [
    {
      "name": "String (merchant or source)",
      "date": "String, ISO format YYYY-MM-DD",
      "amount": number (always positive, the face value),
      "category": "String (one of the predefined categories)",
      "frequency": "String (one-time, weekly, biweekly, monthly, quarterly, annual)",
      "isIncome": boolean,
      "type": "String (variable, bill, subscription) - only for expenses"
    }
  ]
}` + "\n\n")

	b.WriteString("Use ONLY the following categories:\n")
	b.WriteString("- Income: " + strings.Join(domain.IncomeCategories, ", ") + "\n")
	b.WriteString("- Expense: " + strings.Join(domain.ExpenseCategories, ", ") + "\n\n")

	if len(known) > 0 {
		b.WriteString("The user has already confirmed classifications for these merchants. ")
		b.WriteString("Reuse them EXACTLY when a transaction matches:\n")
		names := make([]string, 0, len(known))
		for name := range known {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e := known[name]
			kind := "expense"
			if e.IsIncome {
				kind = "income"
			}
			fmt.Fprintf(&b, "- %s: category %q, frequency %q, %s", name, e.Category, e.Frequency, kind)
			if e.Type != "" {
				fmt.Fprintf(&b, ", type %q", e.Type)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString("Rules:\n")
	b.WriteString("- Payments toward a credit card must use category \"Credit Card Payment\".\n")
	b.WriteString("- Movements between the user's own accounts must use category \"Transfer\".\n")
	b.WriteString("- If the account suffix cannot be determined, set \"last4\" to null.\n")
	b.WriteString("- If the closing balance is missing, set \"balance\" to null.\n\n")
	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Do NOT use ```json or any Markdown.\n")
	b.WriteString("Output must begin with \"{\" and end with \"}\".\n")
	return b.String()
}

func chatPrompt(contextBlock, question string) string {
	var b strings.Builder
	b.WriteString("You are a helpful financial assistant analyzing the user's personal finance dashboard.\n\n")
	b.WriteString("CURRENT DATA:\n")
	b.WriteString(contextBlock)
	b.WriteString("\nAnswer the user's question concisely based on this data. Formatting: use markdown.\n\n")
	b.WriteString("User Question: " + question)
	return b.String()
}

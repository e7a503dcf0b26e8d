// Package usage records metered feature consumption per household and
// answers how much of a feature a household used in a calendar month.
//
// The usage_logs table is append-only. Monthly usage is the sum of
// quantities whose created_at falls inside MonthWindow. Consume serialises
// the check and the insert for one household and feature with a
// transaction-scoped advisory lock, so concurrent writers can never push a
// household past its limit.
package usage

// Package prompts contains all LLM prompt templates used internally by Bo.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation, benefit from compile-time embedding,
// and can be validated by tests. User-facing configuration lives in config.yaml;
// this package holds the instructions we send to models for internal operations
// (fact-finding, friend-mode replies, contact relay, response composition,
// conversation summaries).
package prompts

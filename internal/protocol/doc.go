// Package protocol defines the event stream emitted by the external agent
// process and decodes its line-delimited JSON wire format.
//
// Events form a tagged union over Kind: START, TEXT, TOOL_USE, TOOL_RESULT,
// ERROR, END. Each wire line decodes to zero or more Events at the process
// boundary; nothing outside this package touches raw JSON.
package protocol

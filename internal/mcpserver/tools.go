package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the firewall MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var transactionTypes = []string{
	"BANK_TRANSFER", "UPI_PAYMENT", "CARD_PAYMENT", "CRYPTO_TRANSFER", "SMART_CONTRACT",
	"FOREX_PAYMENT", "WIRE_TRANSFER", "ACH_TRANSFER", "SEPA_TRANSFER", "SWIFT_PAYMENT",
}

func transactionParams() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("receiver",
			mcp.Required(),
			mcp.Description("Receiving account, wallet or merchant identifier")),
		mcp.WithString("amount",
			mcp.Required(),
			mcp.Description("Decimal amount as a string, e.g. '1500.00'")),
		mcp.WithString("type",
			mcp.Required(),
			mcp.Description("Transaction type"),
			mcp.Enum(transactionTypes...)),
		mcp.WithString("currency",
			mcp.Description("ISO currency code, e.g. 'USD'")),
		mcp.WithString("sender",
			mcp.Description("Originating account, if known")),
	}
}

var ToolAnalyzeTransaction = mcp.NewTool("analyze_transaction", append([]mcp.ToolOption{
	mcp.WithDescription(
		"Score a payment for fraud risk without moving any money. " +
			"Returns a 0-100 safety score (higher is safer), the risk level, " +
			"a BLOCK/FLAG/PROCEED recommendation and the factors that cost points."),
}, transactionParams()...)...)

var ToolExecuteTransaction = mcp.NewTool("execute_transaction", append([]mcp.ToolOption{
	mcp.WithDescription(
		"Run a payment through the full firewall: risk scoring, a quantum-safe session, " +
			"rail execution and an append to the tamper-evident ledger. " +
			"Blocked or intercepted payments are reported and never reach the ledger."),
	mcp.WithNumber("intercept_probability",
		mcp.Description("Override the simulated eavesdropping probability (0 to 1). Omit to use the node default.")),
}, transactionParams()...)...)

var ToolEstablishSession = mcp.NewTool("establish_session",
	mcp.WithDescription(
		"Negotiate a standalone post-quantum session and report whether the key exchange was intercepted."),
	mcp.WithNumber("intercept_probability",
		mcp.Description("Simulated eavesdropping probability (0 to 1). Omit to use the node default.")),
)

var ToolQuantumStatus = mcp.NewTool("quantum_status",
	mcp.WithDescription(
		"Show the active post-quantum backend, its algorithms and session counters."),
)

var ToolListLedgerEntries = mcp.NewTool("list_ledger_entries",
	mcp.WithDescription(
		"List the most recent entries of the hash-chained transaction ledger, newest first."),
	mcp.WithNumber("limit",
		mcp.Description("Maximum entries to return (default 10)")),
)

var ToolVerifyLedger = mcp.NewTool("verify_ledger",
	mcp.WithDescription(
		"Recompute every ledger digest and link and report any tampering. Requires the admin secret."),
	mcp.WithNumber("limit",
		mcp.Description("Only verify the first N entries (default: the node's verification limit)")),
)

var ToolGetAuditTrail = mcp.NewTool("get_audit_trail",
	mcp.WithDescription(
		"Show one ledger entry with its recomputed hash and predecessor link. Requires the admin secret."),
	mcp.WithString("entry_id",
		mcp.Required(),
		mcp.Description("Ledger entry id, e.g. 'led_...'")),
)

var ToolSecurityStatus = mcp.NewTool("security_status",
	mcp.WithDescription(
		"Summarize firewall health: pipeline counters, ledger integrity, quantum status and alert counts. "+
			"Requires the admin secret."),
)

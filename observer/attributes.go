package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for LLM and pipeline observability spans and metrics.
var (
	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrLLMMethod   = attribute.Key("llm.method")

	AttrTokensInput  = attribute.Key("llm.tokens.input")
	AttrTokensOutput = attribute.Key("llm.tokens.output")
	AttrCostUSD      = attribute.Key("llm.cost_usd")

	AttrToolCount = attribute.Key("llm.tool_count")
	AttrToolNames = attribute.Key("llm.tool_names")

	AttrToolName         = attribute.Key("tool.name")
	AttrToolStatus       = attribute.Key("tool.status")
	AttrToolResultLength = attribute.Key("tool.result_length")

	AttrMeetingID      = attribute.Key("meeting.id")
	AttrMeetingSource  = attribute.Key("meeting.source")
	AttrPipelineStatus = attribute.Key("pipeline.status")
	AttrPipelineInputs = attribute.Key("pipeline.inputs")
)

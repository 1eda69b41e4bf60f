package models

const (
	DefaultTopK      = 4
	PreviewLength    = 150
	Ellipsis         = "..."
	ContextSeparator = "\n---\n"
	ThinkTag         = `(?s)<think>.*?</think>`

	DefaultSource   = "manual_input"
	MaxStoredChars  = 3000
	DefaultWindow   = 10
	DefaultSession  = "default"
	DefaultTextKey  = "preview"
	DefaultMaxToken = 500
	DefaultTemp     = 0.7
)

// user facing answers for the degraded paths
const (
	NoContextAnswer     = "I could not find any relevant information in the knowledge base to answer that question."
	SystemErrorAnswer   = "Error: the assistant could not complete this request because of a system error. Please try again later."
	GenerationErrAnswer = "Error: the answer could not be generated right now. The sources below were found for your question."
	InitFailedAnswer    = "System is not properly initialized. Please contact the operator."
	EmptyQuestionAnswer = "Please provide a question."
)

var (
	SystemPrompt = "You are a helpful assistant. Use the provided context and the conversation so far to answer the question. " +
		"If the context does not contain the answer, say that you do not know."

	PromptTemplate = `Context:
%s

Conversation history:
%s

Question: %s`
)

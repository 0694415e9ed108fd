package aisession

// Inbound event types consumed from the AI realtime WebSocket (§4.C).
const (
	EventResponseAudioDelta              = "response.audio.delta"
	EventResponseAudioDone                = "response.audio.done"
	EventResponseAudioTranscriptDone      = "response.audio_transcript.done"
	EventInputAudioTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	EventSpeechStarted                    = "input_audio_buffer.speech_started"
	EventResponseOutputItemAdded          = "response.output_item.added"
	EventFunctionCallArgumentsDone        = "response.function_call_arguments.done"
	EventError                            = "error"
)

// Outbound event types sent to the AI realtime WebSocket.
const (
	EventSessionUpdate              = "session.update"
	EventConversationItemCreate     = "conversation.item.create"
	EventResponseCreate             = "response.create"
	EventConversationItemTruncate   = "conversation.item.truncate"
	EventInputAudioBufferAppend     = "input_audio_buffer.append"
)

// RawEvent is the minimal envelope every inbound event carries; callers
// re-unmarshal the full payload into a typed struct once Type is known.
type RawEvent struct {
	Type string `json:"type"`
}

// ResponseAudioDeltaEvent carries one base64 µ-law audio chunk.
type ResponseAudioDeltaEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// ResponseAudioTranscriptDoneEvent carries the completed assistant
// utterance transcript.
type ResponseAudioTranscriptDoneEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// InputAudioTranscriptionCompletedEvent carries the completed caller
// utterance transcript.
type InputAudioTranscriptionCompletedEvent struct {
	Type       string `json:"type"`
	Transcript string `json:"transcript"`
}

// ResponseOutputItemAddedEvent signals a new conversation item; when
// Item.Role is "assistant" its ID becomes the truncate target on barge-in.
type ResponseOutputItemAddedEvent struct {
	Type string `json:"type"`
	Item struct {
		ID   string `json:"id"`
		Role string `json:"role"`
	} `json:"item"`
}

// FunctionCallArgumentsDoneEvent carries one completed tool invocation.
type FunctionCallArgumentsDoneEvent struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorEvent carries a stream-level error; it is logged, never fatal.
type ErrorEvent struct {
	Type  string `json:"type"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// sessionUpdatePayload is the outbound session.update body (§4.C).
type sessionUpdatePayload struct {
	Type    string         `json:"type"`
	Session sessionUpdate  `json:"session"`
}

type sessionUpdate struct {
	TurnDetection           turnDetection            `json:"turn_detection"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	Voice                   string                   `json:"voice"`
	Instructions            string                   `json:"instructions"`
	Modalities              []string                 `json:"modalities"`
	Temperature             float64                  `json:"temperature"`
	Tools                   []map[string]interface{} `json:"tools"`
	ToolChoice              string                   `json:"tool_choice"`
	InputAudioTranscription inputAudioTranscription  `json:"input_audio_transcription"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

// conversationItemCreate is the generic outbound item-creation envelope,
// used both for the synthetic greeting and for function_call_output.
type conversationItemCreate struct {
	Type string `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Output  string `json:"output,omitempty"`
	Content []conversationContent `json:"content,omitempty"`
}

type conversationContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreate struct {
	Type string `json:"type"`
}

type conversationItemTruncate struct {
	Type         string `json:"type"`
	ItemID       string `json:"item_id"`
	ContentIndex int    `json:"content_index"`
	AudioEndMs   int64  `json:"audio_end_ms"`
}

type inputAudioBufferAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

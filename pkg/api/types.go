// Package api holds the wire-level data model shared by every transport:
// contents, parts, tool declarations, generation requests and responses.
// Field names follow the REST surface (camelCase); both provider backends
// accept and emit these shapes.
package api

import "encoding/json"

// Role values for Content.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Part is one unit of multimodal content. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *Blob             `json:"inlineData,omitempty"`
	FileData         *FileData         `json:"fileData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
	Thought          bool              `json:"thought,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// InlineDataPart builds an inline-data part from raw bytes. Data is
// base64-encoded by the JSON marshaller.
func InlineDataPart(mimeType string, data []byte) Part {
	return Part{InlineData: &Blob{MIMEType: mimeType, Data: data}}
}

// FileDataPart builds a reference to an uploaded file.
func FileDataPart(mimeType, uri string) Part {
	return Part{FileData: &FileData{MIMEType: mimeType, FileURI: uri}}
}

// Blob is inline binary data. The JSON wire form carries Data as base64.
type Blob struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// FileData references previously uploaded bytes by URI.
type FileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// FunctionCall is the model asking for a tool invocation.
type FunctionCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Content is one conversation turn: a role plus ordered parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// Text concatenates the turn's text parts, skipping thought parts.
func (c *Content) Text() string {
	var out string
	for _, p := range c.Parts {
		if p.Thought {
			continue
		}
		out += p.Text
	}
	return out
}

// FunctionCalls returns the turn's function-call parts in order.
func (c *Content) FunctionCalls() []*FunctionCall {
	var calls []*FunctionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, p.FunctionCall)
		}
	}
	return calls
}

// UserContent wraps parts into a user-role turn.
func UserContent(parts ...Part) Content {
	return Content{Role: RoleUser, Parts: parts}
}

// ModelContent wraps parts into a model-role turn.
func ModelContent(parts ...Part) Content {
	return Content{Role: RoleModel, Parts: parts}
}

// Tool groups function declarations offered to the model.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         *GoogleSearch         `json:"googleSearch,omitempty"`
	CodeExecution        *CodeExecution        `json:"codeExecution,omitempty"`
}

// GoogleSearch enables the built-in search tool.
type GoogleSearch struct{}

// CodeExecution enables the built-in code-execution tool.
type CodeExecution struct{}

// FunctionDeclaration describes one callable function to the model.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GenerationConfig tunes sampling and output shape.
type GenerationConfig struct {
	Temperature        *float64 `json:"temperature,omitempty"`
	TopP               *float64 `json:"topP,omitempty"`
	TopK               *int     `json:"topK,omitempty"`
	CandidateCount     int      `json:"candidateCount,omitempty"`
	MaxOutputTokens    int      `json:"maxOutputTokens,omitempty"`
	StopSequences      []string `json:"stopSequences,omitempty"`
	ResponseMIMEType   string   `json:"responseMimeType,omitempty"`
	ResponseSchema     any      `json:"responseSchema,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
	Seed               *int     `json:"seed,omitempty"`
	PresencePenalty    *float64 `json:"presencePenalty,omitempty"`
	FrequencyPenalty   *float64 `json:"frequencyPenalty,omitempty"`
}

// SafetySetting adjusts one harm-category threshold.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// GenerateContentRequest is the unary and streaming generation payload.
type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	Tools             []Tool            `json:"tools,omitempty"`
	ToolConfig        *ToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    []SafetySetting   `json:"safetySettings,omitempty"`
	CachedContent     string            `json:"cachedContent,omitempty"`
}

// ToolConfig steers function calling.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig modes: AUTO, ANY, NONE.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GenerateContentResponse is a full response or one streamed chunk.
type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  *UsageMetadata  `json:"usageMetadata,omitempty"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
}

// Text returns the first candidate's concatenated text, or empty.
func (r *GenerateContentResponse) Text() string {
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return ""
	}
	return r.Candidates[0].Content.Text()
}

// FunctionCalls returns the first candidate's function calls, or nil.
func (r *GenerateContentResponse) FunctionCalls() []*FunctionCall {
	if len(r.Candidates) == 0 || r.Candidates[0].Content == nil {
		return nil
	}
	return r.Candidates[0].Content.FunctionCalls()
}

// Candidate is one generated alternative.
type Candidate struct {
	Content       *Content       `json:"content,omitempty"`
	FinishReason  string         `json:"finishReason,omitempty"`
	Index         int            `json:"index,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// SafetyRating is one harm-category assessment.
type SafetyRating struct {
	Category    string `json:"category"`
	Probability string `json:"probability,omitempty"`
	Blocked     bool   `json:"blocked,omitempty"`
}

// PromptFeedback reports prompt-level blocking.
type PromptFeedback struct {
	BlockReason   string         `json:"blockReason,omitempty"`
	SafetyRatings []SafetyRating `json:"safetyRatings,omitempty"`
}

// UsageMetadata is the server's token accounting.
type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	ThoughtsTokenCount   int `json:"thoughtsTokenCount,omitempty"`
	CachedContentTokens  int `json:"cachedContentTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

// CountTokensRequest asks for the token count of the given contents.
type CountTokensRequest struct {
	Contents []Content `json:"contents"`
}

// CountTokensResponse is the server-side count.
type CountTokensResponse struct {
	TotalTokens int `json:"totalTokens"`
}

// EmbedContentRequest asks for an embedding of one content.
type EmbedContentRequest struct {
	Model                string   `json:"model,omitempty"`
	Content              *Content `json:"content"`
	TaskType             string   `json:"taskType,omitempty"`
	Title                string   `json:"title,omitempty"`
	OutputDimensionality int      `json:"outputDimensionality,omitempty"`
}

// EmbedContentResponse carries the embedding vector.
type EmbedContentResponse struct {
	Embedding *ContentEmbedding `json:"embedding,omitempty"`
}

// ContentEmbedding is the raw vector.
type ContentEmbedding struct {
	Values []float64 `json:"values"`
}

// Model is one entry of the model catalog.
type Model struct {
	Name                       string   `json:"name"`
	BaseModelID                string   `json:"baseModelId,omitempty"`
	Version                    string   `json:"version,omitempty"`
	DisplayName                string   `json:"displayName,omitempty"`
	Description                string   `json:"description,omitempty"`
	InputTokenLimit            int      `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit           int      `json:"outputTokenLimit,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

// ListModelsResponse is one page of the model catalog.
type ListModelsResponse struct {
	Models        []Model `json:"models"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// File is the metadata of an uploaded file.
type File struct {
	Name        string `json:"name,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	SizeBytes   string `json:"sizeBytes,omitempty"`
	URI         string `json:"uri,omitempty"`
	State       string `json:"state,omitempty"`
}

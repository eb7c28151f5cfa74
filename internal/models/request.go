package models

// ChatRequest is the inbound body of POST /api/chat.
type ChatRequest struct {
	Message          string           `json:"message,omitempty"`
	WorkloadLevel    WorkloadLevel    `json:"workloadLevel"`
	SelectedFunction FunctionCategory `json:"selectedFunction,omitempty"`
	ConversationID   string           `json:"conversationId,omitempty"`
	FileURL          string           `json:"fileUrl,omitempty"`
	FileName         string           `json:"fileName,omitempty"`
	FileType         string           `json:"fileType,omitempty"`
	ModelName        string           `json:"modelName,omitempty"`
}

// File returns the request's file reference, or nil when none was attached.
func (r ChatRequest) File() *FileRef {
	if r.FileURL == "" {
		return nil
	}
	return &FileRef{URL: r.FileURL, Name: r.FileName, Type: r.FileType}
}

type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatResult is the data of a successful chat turn.
type ChatResult struct {
	ConversationID string      `json:"conversationId"`
	Message        ChatMessage `json:"message"`
	SkillsUsed     []string    `json:"skillsUsed"`
	CreditsAfter   int64       `json:"creditsAfter"`
}

// APIResponse is the envelope every endpoint answers with.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

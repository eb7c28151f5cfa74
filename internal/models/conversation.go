package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// WorkloadLevel bounds how many skills the remote service may invoke for a turn.
type WorkloadLevel string

const (
	WorkloadInstant      WorkloadLevel = "instant"
	WorkloadBasic        WorkloadLevel = "basic"
	WorkloadStandard     WorkloadLevel = "standard"
	WorkloadProfessional WorkloadLevel = "professional"
)

func (w WorkloadLevel) Valid() bool {
	switch w {
	case WorkloadInstant, WorkloadBasic, WorkloadStandard, WorkloadProfessional:
		return true
	}
	return false
}

// FunctionCategory hints which skills to request.
type FunctionCategory string

const (
	FunctionLab           FunctionCategory = "lab"
	FunctionRadiology     FunctionCategory = "radiology"
	FunctionMedicalRecord FunctionCategory = "medical_record"
	FunctionMedication    FunctionCategory = "medication"
)

func (f FunctionCategory) Valid() bool {
	switch f {
	case FunctionLab, FunctionRadiology, FunctionMedicalRecord, FunctionMedication:
		return true
	}
	return false
}

type Conversation struct {
	ID               string            `json:"id" db:"id"`
	CustomerID       string            `json:"customer_id" db:"customer_id"`
	Title            string            `json:"title" db:"title"`
	WorkloadLevel    WorkloadLevel     `json:"workload_level" db:"workload_level"`
	SelectedFunction *FunctionCategory `json:"selected_function,omitempty" db:"selected_function"`
	ModelName        string            `json:"model_name" db:"model_name"`
	CreatedAt        time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at" db:"updated_at"`
}

// FileRef points at a file already uploaded to object storage.
type FileRef struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

type Message struct {
	ID             string    `json:"id" db:"id"`
	ConversationID string    `json:"conversation_id" db:"conversation_id"`
	Role           Role      `json:"role" db:"role"`
	Content        string    `json:"content" db:"content"`
	FileURL        *string   `json:"file_url,omitempty" db:"file_url"`
	FileName       *string   `json:"file_name,omitempty" db:"file_name"`
	FileType       *string   `json:"file_type,omitempty" db:"file_type"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

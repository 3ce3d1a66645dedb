package chatsync

import "time"

// ============================================================================
// Response envelope
// ============================================================================

// APIResponse is the envelope every chat and auth endpoint answers with.
type APIResponse[T any] struct {
	StatusCode int    `json:"status_code"`
	Data       T      `json:"data"`
	Message    string `json:"message"`
	TimeStamp  string `json:"time_stamp"`
}

// ============================================================================
// Auth types
// ============================================================================

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResult is the data of a login response.
type LoginResult struct {
	AccessToken string `json:"access_token"`
}

type RequestOTPOptions struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type VerifyOTPOptions struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type RegisterOptions struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Password  string `json:"password"`
}

// EmailMessage is the data of the OTP and registration endpoints.
type EmailMessage struct {
	Email   string `json:"email"`
	Message string `json:"message"`
}

// UserProfile is the authenticated user as returned by /auth/me.
type UserProfile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

// DisplayName returns Name, or first and last name joined.
func (u *UserProfile) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	if u.FirstName != "" || u.LastName != "" {
		if u.LastName == "" {
			return u.FirstName
		}
		if u.FirstName == "" {
			return u.LastName
		}
		return u.FirstName + " " + u.LastName
	}
	return u.Email
}

// ============================================================================
// Chat types
// ============================================================================

// User is a chat participant or directory entry.
type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Room struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	IsGroup      bool   `json:"isGroup"`
	Participants []User `json:"participants,omitempty"`
	LastMessage  string `json:"lastMessage,omitempty"`
	Unread       int    `json:"unread"`
}

type CreateRoomOptions struct {
	IsGroup       bool     `json:"isGroup"`
	GroupName     string   `json:"groupName,omitempty"`
	Participants  []string `json:"participants,omitempty"`
	ParticipantID string   `json:"participantId,omitempty"`
}

// MessageStatus tracks optimistic delivery on the client only.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageConfirmed MessageStatus = "confirmed"
)

// Message is immutable once the server has assigned its ID.
type Message struct {
	ID        string    `json:"id"`
	ChatID    string    `json:"chatId"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Image     *string   `json:"image,omitempty"`
	CreatedAt time.Time `json:"createdAt"`

	// ClientID is the optimistic identity chosen by the sender, echoed back
	// by servers that support it.
	ClientID string        `json:"clientId,omitempty"`
	Status   MessageStatus `json:"status,omitempty"`
}

// MessagePage is one page of history. Messages are ascending within a page;
// pages are fetched newest first.
type MessagePage struct {
	PageIndex  int       `json:"currentPage"`
	IsLastPage bool      `json:"lastPage"`
	TotalPages int       `json:"totalPages,omitempty"`
	Messages   []Message `json:"messages"`
}

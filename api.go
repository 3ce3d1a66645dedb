package chatsync

import (
	"context"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
)

// ============================================================================
// API (orchestrates sub-clients)
// ============================================================================

// API provides the chat and auth HTTP endpoints via sub-clients. Every call
// goes through the SecureClient; failures are reported once to the notifier
// and returned.
type API struct {
	transport *SecureClient
	store     SessionStore
	refresher *RefreshCoordinator
	chatURL   string
	authURL   string
	report    *reporter

	Auth  *AuthClient
	Rooms *RoomsClient
}

func newAPI(transport *SecureClient, store SessionStore, refresher *RefreshCoordinator, chatURL, authURL string, report *reporter) *API {
	a := &API{
		transport: transport,
		store:     store,
		refresher: refresher,
		chatURL:   strings.TrimRight(chatURL, "/"),
		authURL:   strings.TrimRight(authURL, "/"),
		report:    report,
	}
	a.Auth = &AuthClient{api: a}
	a.Rooms = &RoomsClient{api: a}
	return a
}

// call sends a request and unwraps the response envelope.
func call[T any](ctx context.Context, a *API, method, rawURL string, body, query any) (*APIResponse[T], error) {
	resp, err := Do[APIResponse[T]](ctx, a.transport, method, rawURL, body, query)
	if err != nil {
		a.report.report(err)
		return nil, err
	}
	return resp, nil
}

// refreshFunc returns the refresh call used by the coordinator: a plain
// POST {authURL}/auth/refresh with an empty object body. The credential
// cookie travels in the http.Client's jar.
func refreshFunc(c *SecureClient, authURL string) RefreshFunc {
	endpoint := strings.TrimRight(authURL, "/") + "/auth/refresh"
	return func(ctx context.Context) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader("{}"))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.roundTrip(req)
		if err != nil {
			return "", err
		}
		data, err := c.finish(http.MethodPost, endpoint, resp)
		if err != nil {
			return "", err
		}

		var result struct {
			AccessToken string       `json:"access_token"`
			Data        *LoginResult `json:"data"`
		}
		if err := json.Unmarshal(data, &result); err != nil {
			return "", err
		}
		if result.AccessToken == "" && result.Data != nil {
			result.AccessToken = result.Data.AccessToken
		}
		return result.AccessToken, nil
	}
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles login, logout and registration.
type AuthClient struct{ api *API }

// Login authenticates, stores the access token and caches the profile.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*UserProfile, error) {
	resp, err := call[LoginResult](ctx, a.api, http.MethodPost, a.api.authURL+"/auth/login",
		&LoginRequest{Email: email, Password: password}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Data.AccessToken == "" {
		err := &TransportError{Kind: KindDecrypt, Method: http.MethodPost, Path: "/auth/login", Status: resp.StatusCode,
			Payload: TextPayload("login response carried no access token")}
		a.api.report.report(err)
		return nil, err
	}
	a.api.store.SetToken(resp.Data.AccessToken)

	profile, err := a.Me(ctx)
	if err != nil {
		return nil, err
	}
	a.api.report.success("Login successful")
	return profile, nil
}

// Logout tells the server and clears the local session, even when the
// server call fails.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := call[json.RawMessage](ctx, a.api, http.MethodPost, a.api.authURL+"/auth/logout", struct{}{}, nil)
	a.api.store.Clear()
	return err
}

// Me fetches the current profile and stores it.
func (a *AuthClient) Me(ctx context.Context) (*UserProfile, error) {
	if a.api.store.Token() == "" {
		return nil, ErrNotAuthenticated
	}
	resp, err := call[UserProfile](ctx, a.api, http.MethodGet, a.api.authURL+"/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := a.api.store.SetProfile(&resp.Data); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Refresh forces a token refresh through the coordinator.
func (a *AuthClient) Refresh(ctx context.Context) (string, error) {
	token, err := a.api.refresher.Token(ctx)
	if err != nil {
		a.api.report.report(err)
	}
	return token, err
}

// RequestOTP starts registration by mailing a one-time code.
func (a *AuthClient) RequestOTP(ctx context.Context, opts *RequestOTPOptions) (*EmailMessage, error) {
	resp, err := call[EmailMessage](ctx, a.api, http.MethodPost, a.api.authURL+"/auth/request-otp", opts, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// VerifyOTP checks the code sent by RequestOTP.
func (a *AuthClient) VerifyOTP(ctx context.Context, opts *VerifyOTPOptions) (*EmailMessage, error) {
	resp, err := call[EmailMessage](ctx, a.api, http.MethodPost, a.api.authURL+"/auth/verify-otp", opts, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Register creates the account once the email is verified.
func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*EmailMessage, error) {
	resp, err := call[EmailMessage](ctx, a.api, http.MethodPost, a.api.authURL+"/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	a.api.report.success("Registration successful")
	return &resp.Data, nil
}

// ============================================================================
// Rooms
// ============================================================================

// RoomsClient handles rooms, history and membership.
type RoomsClient struct{ api *API }

func (r *RoomsClient) roomURL(roomID string, parts ...string) string {
	u := r.api.chatURL + "/rooms/" + roomID
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

func (r *RoomsClient) List(ctx context.Context) ([]Room, error) {
	resp, err := call[[]Room](ctx, r.api, http.MethodGet, r.api.chatURL+"/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Create opens a direct room (ParticipantID) or a group (GroupName,
// Participants).
func (r *RoomsClient) Create(ctx context.Context, opts *CreateRoomOptions) (*Room, error) {
	resp, err := call[Room](ctx, r.api, http.MethodPost, r.api.chatURL+"/rooms", opts, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

func (r *RoomsClient) Get(ctx context.Context, roomID string) (*Room, error) {
	resp, err := call[Room](ctx, r.api, http.MethodGet, r.roomURL(roomID), nil, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

type pageQuery struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Messages fetches one page of history, newest first by offset.
func (r *RoomsClient) Messages(ctx context.Context, roomID string, limit, offset int) (*MessagePage, error) {
	resp, err := call[MessagePage](ctx, r.api, http.MethodGet, r.roomURL(roomID, "messages"), nil,
		&pageQuery{Limit: limit, Offset: offset})
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

type sendBody struct {
	Content string  `json:"content"`
	Image   *string `json:"image,omitempty"`
}

// Send posts a message over HTTP. The realtime path is preferred when
// connected; this is the fallback.
func (r *RoomsClient) Send(ctx context.Context, roomID, content string, image *string) (*Message, error) {
	resp, err := call[Message](ctx, r.api, http.MethodPost, r.roomURL(roomID, "message"),
		&sendBody{Content: content, Image: image}, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Users lists the users that can be added to rooms.
func (r *RoomsClient) Users(ctx context.Context) ([]User, error) {
	resp, err := call[[]User](ctx, r.api, http.MethodGet, r.api.chatURL+"/rooms/user/list", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (r *RoomsClient) AddParticipants(ctx context.Context, roomID string, userIDs []string) (*Room, error) {
	body := struct {
		UserIDs []string `json:"userIds"`
	}{UserIDs: userIDs}
	resp, err := call[Room](ctx, r.api, http.MethodPost, r.roomURL(roomID, "add-participants"), &body, nil)
	if err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

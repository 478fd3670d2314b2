package domain

// ParticipantRole distinguishes the session owner from later joiners.
type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleMember ParticipantRole = "member"
)

// Participant is a user who has joined the session.
type Participant struct {
	ID                       string
	UserID                   string
	SCMUserID                string
	SCMLogin                 string
	SCMName                  string
	SCMEmail                 string
	SCMAccessTokenEncrypted  string
	SCMRefreshTokenEncrypted string
	SCMTokenExpiresAt        *int64
	WSAuthTokenHash          string
	WSTokenCreatedAt         *int64
	Role                     ParticipantRole
	JoinedAt                 int64
}

// DisplayName resolves the best available display name, falling back in
// the order a client would want to render a message author.
func (p *Participant) DisplayName() string {
	if p.SCMName != "" {
		return p.SCMName
	}
	if p.SCMLogin != "" {
		return p.SCMLogin
	}
	return p.UserID
}

// HasSCMAuth reports whether the participant has a usable OAuth token for
// user-authenticated SCM calls (see PullRequestService §4.8 step 7).
func (p *Participant) HasSCMAuth() bool {
	return p.SCMAccessTokenEncrypted != ""
}

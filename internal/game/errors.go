package game

// Static sentinel errors for session-level failures. Rule-level
// rejections live in baduk.RuleError.
var (
	ErrGameNotFound      = staticErr("game not found")
	ErrGameNotActive     = staticErr("game is not active")
	ErrNotYourTurn       = staticErr("not your turn")
	ErrNotAParticipant   = staticErr("player is not a participant of this game")
	ErrNoDrawOffer       = staticErr("no draw offer pending")
	ErrOwnDrawOffer      = staticErr("cannot accept your own draw offer")
	ErrChallengeNotFound = staticErr("challenge not found")
	ErrChallengeNotOpen  = staticErr("challenge is not open")
	ErrBadBoardSize      = staticErr("unsupported board size")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }

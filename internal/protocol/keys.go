package protocol

import "fmt"

// Key identifies one protocol operation by main/sub number.
type Key struct {
	Main uint32
	Sub  uint32
}

var (
	Ping              = Key{Main: 0, Sub: 0}
	Auth              = Key{Main: 0, Sub: 1}
	AuthResult        = Key{Main: 0, Sub: 2}
	RefreshCredential = Key{Main: 0, Sub: 125}
	Online            = Key{Main: 1, Sub: 1}
	Offline           = Key{Main: 1, Sub: 2}
	ListUsers         = Key{Main: 1, Sub: 3}
	GetUserInfo       = Key{Main: 1, Sub: 4}
	SayMessage        = Key{Main: 1, Sub: 5}
	BroadcastMessage  = Key{Main: 1, Sub: 6}
)

var keyNames = map[Key]string{
	Ping:              "ping",
	Auth:              "auth",
	AuthResult:        "auth_result",
	RefreshCredential: "refresh_credential",
	Online:            "online",
	Offline:           "offline",
	ListUsers:         "list_users",
	GetUserInfo:       "get_user_info",
	SayMessage:        "say_message",
	BroadcastMessage:  "broadcast_message",
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.Main, k.Sub)
}

// Name returns a stable label for known keys and the numeric form otherwise.
func (k Key) Name() string {
	if name, ok := keyNames[k]; ok {
		return name
	}
	return k.String()
}

// Control reports whether the key belongs to the session control plane (main 0).
func (k Key) Control() bool {
	return k.Main == 0
}

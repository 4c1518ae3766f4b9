package constt

// AppState is the foreground/background lifecycle reported by the client.
type AppState uint8

const (
	Foreground AppState = 1
	Background AppState = 2
)

func IsForeground(as AppState) bool {
	return as == Foreground
}

// ConnState of the ephemeral store's connection-state channel.
type ConnState uint8

const (
	Disconnected ConnState = 0
	Connected    ConnState = 1
)

// ClientType identifies the device that opened a realtime session.
type ClientType uint8

const (
	Android ClientType = 1
	IOS     ClientType = 2
	Pc      ClientType = 3
	Web     ClientType = 4
)

func ParseClientType(s string) ClientType {
	switch s {
	case "android":
		return Android
	case "ios":
		return IOS
	case "pc":
		return Pc
	}
	return Web
}

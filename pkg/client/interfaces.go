package client

// History records connection outcomes. The sqlite-backed State implements it.
type History interface {
	SaveSuccessfulConnection(address, transport string) error
	RecordLogin(address, nickname string, accepted bool, reply string) error
}

// TransportHistory answers which transport last worked for a server
type TransportHistory interface {
	GetLastSuccessfulTransport(address string) (string, error)
}

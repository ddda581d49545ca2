package territory

import "time"

// Territory is a geographic partition scoping which workers see which
// windows. Region holds the postal or market codes it covers.
type Territory struct {
	ID        string
	Name      string
	Region    []string
	Active    bool
	CreatedAt time.Time
}

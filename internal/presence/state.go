// Package presence maps the user's self-reported state to the UI density
// settings the client renders with.
package presence

type State string

const (
	Online       State = "online"
	Hyperfocus   State = "hyperfocus"
	HighEnergy   State = "high_energy"
	LowBandwidth State = "low_bandwidth"
	TaskMode     State = "task_mode"
	Offline      State = "offline"
)

type Density string

const (
	DensityMinimal     Density = "minimal"
	DensityCompact     Density = "compact"
	DensityComfortable Density = "comfortable"
	DensitySpacious    Density = "spacious"
)

// Config is the rendering profile for a presence state. A
// MaxVisibleChannels of zero means no cap.
type Config struct {
	Density            Density `json:"density"`
	ShowAvatars        bool    `json:"show_avatars"`
	ShowTimestamps     bool    `json:"show_timestamps"`
	Animations         bool    `json:"animations"`
	Notifications      bool    `json:"notifications"`
	MaxVisibleChannels int     `json:"max_visible_channels"`
}

var configs = map[State]Config{
	Online: {
		Density:        DensityComfortable,
		ShowAvatars:    true,
		ShowTimestamps: true,
		Animations:     true,
		Notifications:  true,
	},
	Hyperfocus: {
		Density:            DensityMinimal,
		MaxVisibleChannels: 3,
	},
	HighEnergy: {
		Density:        DensitySpacious,
		ShowAvatars:    true,
		ShowTimestamps: true,
		Animations:     true,
		Notifications:  true,
	},
	LowBandwidth: {
		Density:            DensityCompact,
		ShowTimestamps:     true,
		Notifications:      true,
		MaxVisibleChannels: 10,
	},
	TaskMode: {
		Density:            DensityCompact,
		ShowAvatars:        true,
		ShowTimestamps:     true,
		MaxVisibleChannels: 5,
	},
	Offline: {
		Density:        DensityCompact,
		ShowTimestamps: true,
	},
}

// States lists every presence state in display order.
func States() []State {
	return []State{Online, Hyperfocus, HighEnergy, LowBandwidth, TaskMode, Offline}
}

func (s State) Valid() bool {
	_, ok := configs[s]
	return ok
}

// ConfigFor returns the rendering profile for s. Unknown states get the
// online profile.
func ConfigFor(s State) Config {
	if c, ok := configs[s]; ok {
		return c
	}
	return configs[Online]
}

package discordipc

import "github.com/ashureev/webpresence/internal/presence"

type wireActivity struct {
	Details    string          `json:"details,omitempty"`
	State      string          `json:"state,omitempty"`
	Timestamps *wireTimestamps `json:"timestamps,omitempty"`
	Assets     *wireAssets     `json:"assets,omitempty"`
	Buttons    []wireButton    `json:"buttons,omitempty"`
	Instance   bool            `json:"instance"`
}

type wireTimestamps struct {
	Start int64 `json:"start,omitempty"`
}

type wireAssets struct {
	LargeImage string `json:"large_image,omitempty"`
	LargeText  string `json:"large_text,omitempty"`
	SmallImage string `json:"small_image,omitempty"`
	SmallText  string `json:"small_text,omitempty"`
}

type wireButton struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Discord shows at most two buttons.
const maxButtons = 2

func toWire(a presence.Activity) *wireActivity {
	w := &wireActivity{
		Details: a.Details,
		State:   a.State,
	}
	if !a.StartTimestamp.IsZero() {
		w.Timestamps = &wireTimestamps{Start: a.StartTimestamp.UnixMilli()}
	}
	if a.LargeImageKey != "" || a.SmallImageKey != "" {
		w.Assets = &wireAssets{
			LargeImage: a.LargeImageKey,
			LargeText:  a.LargeImageText,
			SmallImage: a.SmallImageKey,
			SmallText:  a.SmallImageText,
		}
	}
	for i, b := range a.Buttons {
		if i == maxButtons {
			break
		}
		w.Buttons = append(w.Buttons, wireButton{Label: b.Label, URL: b.URL})
	}
	return w
}

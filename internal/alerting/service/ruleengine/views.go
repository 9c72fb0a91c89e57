package ruleengine

import (
	"sort"
	"time"
)

// TrackView is the API-facing snapshot of one severity track.
type TrackView struct {
	Severity    string    `json:"severity"`
	State       string    `json:"state"`
	Value       float64   `json:"value"`
	Since       time.Time `json:"since,omitempty"`
	TrueStreak  int       `json:"true_streak"`
	ClearStreak int       `json:"clear_streak"`
	LastAction  string    `json:"last_action,omitempty"`
}

// AlertView is the API-facing snapshot of one alert occurrence with all
// of its tracks.
type AlertView struct {
	Rule        string            `json:"rule"`
	Fingerprint string            `json:"fingerprint"`
	Labels      map[string]string `json:"labels"`
	Surfaced    string            `json:"surfaced,omitempty"`
	Tracks      []TrackView       `json:"tracks"`
}

// ActiveAlerts snapshots every alert key with at least one active track,
// sorted by rule then fingerprint for stable output.
func (e *Engine) ActiveAlerts() []AlertView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	byKey := make(map[AlertKey]*AlertView)
	for tk, in := range e.instances {
		if !in.Active() {
			continue
		}
		v := byKey[tk.AlertKey]
		if v == nil {
			v = &AlertView{
				Rule:        tk.Rule,
				Fingerprint: tk.Fingerprint.String(),
				Labels:      in.Labels,
			}
			if sev := e.dedup.Surfaced(tk.AlertKey); sev > 0 {
				v.Surfaced = sev.String()
			}
			byKey[tk.AlertKey] = v
		}
		v.Tracks = append(v.Tracks, trackView(in))
	}

	out := make([]AlertView, 0, len(byKey))
	for _, v := range byKey {
		sortTracks(v.Tracks)
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rule != out[j].Rule {
			return out[i].Rule < out[j].Rule
		}
		return out[i].Fingerprint < out[j].Fingerprint
	})
	return out
}

// Alert returns the snapshot for one fingerprint, including inactive
// tracks still inside the GC grace window.
func (e *Engine) Alert(fingerprint string) (AlertView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var view AlertView
	found := false
	for tk, in := range e.instances {
		if tk.Fingerprint.String() != fingerprint {
			continue
		}
		if !found {
			view = AlertView{
				Rule:        tk.Rule,
				Fingerprint: fingerprint,
				Labels:      in.Labels,
			}
			if sev := e.dedup.Surfaced(tk.AlertKey); sev > 0 {
				view.Surfaced = sev.String()
			}
			found = true
		}
		view.Tracks = append(view.Tracks, trackView(in))
	}
	if found {
		sortTracks(view.Tracks)
	}
	return view, found
}

func trackView(in *Instance) TrackView {
	tv := TrackView{
		Severity:    in.Key.Severity.String(),
		State:       in.State.String(),
		Value:       in.LastValue,
		TrueStreak:  in.TrueStreak,
		ClearStreak: in.ClearStreak,
		LastAction:  in.LastAction,
	}
	if !in.FirstBreach.IsZero() {
		tv.Since = in.FirstBreach
	}
	return tv
}

func sortTracks(tracks []TrackView) {
	sort.Slice(tracks, func(i, j int) bool { return tracks[i].Severity < tracks[j].Severity })
}

package notification

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	rt "lmsbot/pkg/richtext"
)

// LMSURL is the target of the link appended to every message.
const LMSURL = "https://lyceum.yandex.ru"

var callToAction = rt.Link("Check the LMS!", LMSURL)

// Render classifies and formats raw in one step.
func Render(raw Raw) (Formatted, error) {
	kind := Classify(raw)
	text, err := Format(raw, kind)
	if err != nil {
		return Formatted{}, err
	}
	return Formatted{ID: raw.ID, Kind: kind, Text: text}, nil
}

// Format renders raw as Telegram HTML for the given kind.
func Format(raw Raw, kind Kind) (string, error) {
	if raw.DecodeErr != nil {
		return "", raw.DecodeErr
	}
	f := fields{raw: raw}
	var body rt.H

	switch kind {
	case KindBonusScoreChanged:
		actor := f.str("changedBy", "displayName")
		newScore := f.num("newScore")
		oldScore := f.num("oldScore")
		if f.err != nil {
			return "", f.err
		}
		body = rt.Join("\n\n",
			rt.B("You received bonus points!"),
			rt.Lines(
				rt.Esc(fmt.Sprintf("%s gave you %s bonus points.", actor, formatNumber(newScore-oldScore))),
				rt.B("New score")+rt.Esc(": "+formatNumber(newScore)),
			),
		)

	case KindTaskCommented:
		author := f.str("author", "displayName")
		title := f.str("taskSolution", "task", "title")
		comment := f.str("data")
		if f.err != nil {
			return "", f.err
		}
		body = rt.Join("\n\n",
			rt.B(fmt.Sprintf(`%s commented on task "%s"`, author, title)),
			rt.I(comment),
		)

	case KindTaskAccepted:
		title := f.str("task", "title")
		scoreMax := f.num("task", "scoreMax")
		score := f.num("score")
		if f.err != nil {
			return "", f.err
		}
		body = rt.Lines(
			rt.B(fmt.Sprintf(`Task "%s" accepted!`, title)),
			rt.B("Score")+rt.Esc(": "+formatNumber(score)+"/"+formatNumber(scoreMax)),
		)

	case KindTaskRework:
		title := f.str("task", "title")
		if f.err != nil {
			return "", f.err
		}
		body = rt.B(fmt.Sprintf(`Task "%s" was sent back for rework`, title))

	case KindLessonOpened:
		title := f.str("title")
		if f.err != nil {
			return "", f.err
		}
		body = rt.B(fmt.Sprintf(`New lesson opened: "%s"`, title))

	default:
		body = rt.B("You have a new notification!")
	}

	return rt.Join("\n\n", body, callToAction).String(), nil
}

// fields records the first lookup failure so Format can read every field
// it needs and check once.
type fields struct {
	raw Raw
	err error
}

func (f *fields) fail(path []string) {
	if f.err == nil {
		f.err = &MalformedError{ID: f.raw.ID, Field: strings.Join(path, ".")}
	}
}

func (f *fields) str(path ...string) string {
	s, ok := lookupString(f.raw.ObjectData, path...)
	if !ok {
		f.fail(path)
	}
	return s
}

func (f *fields) num(path ...string) float64 {
	v, ok := lookup(f.raw.ObjectData, path...)
	if !ok {
		f.fail(path)
		return 0
	}
	n, ok := toFloat(v)
	if !ok {
		f.fail(path)
	}
	return n
}

func lookup(data map[string]any, path ...string) (any, bool) {
	var cur any = data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func lookupString(data map[string]any, path ...string) (string, bool) {
	v, ok := lookup(data, path...)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		// Score fields are occasionally sent as numeric strings.
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func formatNumber(v float64) string {
	if math.Trunc(v) == v && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

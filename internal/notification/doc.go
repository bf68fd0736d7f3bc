// Package notification classifies raw LMS notifications and renders them as
// Telegram HTML.
//
// Classify is a total mapping from the wire type tag (and, for reviews, the
// nested status) to Kind. Format is a single switch over Kind; a payload
// missing a field its kind needs yields *MalformedError instead of a message
// with made-up values.
package notification

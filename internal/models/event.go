package models

import (
	"encoding/xml"
	"strings"
)

// Event types the relay routes on.
const (
	EventText  = "text"
	EventFile  = "file"
	EventImage = "image"
	EventOther = "other"
)

// InboundMessage is the plaintext callback payload, either received directly
// or recovered by decrypting an encrypted envelope.
type InboundMessage struct {
	XMLName      xml.Name `xml:"xml"`
	ToUserName   string   `xml:"ToUserName"`
	FromUserName string   `xml:"FromUserName"`
	CreateTime   int64    `xml:"CreateTime"`
	MsgType      string   `xml:"MsgType"`
	MsgID        string   `xml:"MsgId"`
	Content      string   `xml:"Content"`
	MediaID      string   `xml:"MediaId"`
	PicURL       string   `xml:"PicUrl"`
	FileName     string   `xml:"FileName"`
	Title        string   `xml:"Title"`
	Name         string   `xml:"Name"`
	Event        string   `xml:"Event"`
	AgentID      string   `xml:"AgentID"`
}

// DecryptedEvent is an authenticated inbound message normalised for routing.
type DecryptedEvent struct {
	Type     string
	FromUser string
	ToUser   string
	// MessageID falls back to sender and CreateTime when the platform omits MsgId.
	MessageID         string
	MessageIDFallback bool
	Content           string
	MediaRef          string
	FileName          string
	RawType           string
}

// EventType maps a platform MsgType to a routing type.
func EventType(msgType string) string {
	switch strings.ToLower(strings.TrimSpace(msgType)) {
	case EventText:
		return EventText
	case EventFile:
		return EventFile
	case EventImage:
		return EventImage
	default:
		return EventOther
	}
}

// ProbeFileName returns the first non-empty of FileName, Title, Name.
func (m *InboundMessage) ProbeFileName() string {
	for _, candidate := range []string{m.FileName, m.Title, m.Name} {
		if c := strings.TrimSpace(candidate); c != "" {
			return c
		}
	}
	return ""
}

package models

import (
	"encoding/xml"

	"docrelay/pkg/wxcrypt"
)

// TextReply is a passive text reply returned in the callback response body.
type TextReply struct {
	XMLName      xml.Name      `xml:"xml"`
	ToUserName   wxcrypt.CDATA `xml:"ToUserName"`
	FromUserName wxcrypt.CDATA `xml:"FromUserName"`
	CreateTime   int64         `xml:"CreateTime"`
	MsgType      wxcrypt.CDATA `xml:"MsgType"`
	Content      wxcrypt.CDATA `xml:"Content"`
}

// NewTextReply addresses a reply back to the sender of an event.
func NewTextReply(ev *DecryptedEvent, content string, createTime int64) TextReply {
	return TextReply{
		ToUserName:   wxcrypt.CDATA{Value: ev.FromUser},
		FromUserName: wxcrypt.CDATA{Value: ev.ToUser},
		CreateTime:   createTime,
		MsgType:      wxcrypt.CDATA{Value: "text"},
		Content:      wxcrypt.CDATA{Value: content},
	}
}

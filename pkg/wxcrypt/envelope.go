package wxcrypt

import "encoding/xml"

// CDATA marshals its value inside a CDATA section.
type CDATA struct {
	Value string `xml:",cdata"`
}

// EncryptedRequest is the inbound envelope of the encrypted channel.
type EncryptedRequest struct {
	XMLName    xml.Name `xml:"xml"`
	ToUserName string   `xml:"ToUserName"`
	AgentID    string   `xml:"AgentID"`
	Encrypt    string   `xml:"Encrypt"`
}

// EncryptedReply is the outbound envelope of the encrypted channel.
type EncryptedReply struct {
	XMLName      xml.Name `xml:"xml"`
	Encrypt      CDATA    `xml:"Encrypt"`
	MsgSignature CDATA    `xml:"MsgSignature"`
	TimeStamp    string   `xml:"TimeStamp"`
	Nonce        CDATA    `xml:"Nonce"`
}

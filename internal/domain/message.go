package domain

import "time"

type InboundMessage struct {
	Channel    string
	ChatID     string
	SenderID   string
	Content    string
	ReplyToken string // LINE reply token; empty on channels that push replies
	Timestamp  time.Time
}

type OutboundMessage struct {
	Channel    string
	ChatID     string
	ReplyToken string
	Content    string
	ImageURL   string // optional hosted chart image to attach
	Format     string // text | markdown
}

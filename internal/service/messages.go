package service

import (
	"errors"
	"fmt"
	"strings"

	apperrors "docrelay/internal/errors"
	"docrelay/pkg/converter"
)

// Canned replies and notices sent to users.
const (
	ProcessingReply = "📄 正在转换您的文档，请稍候...\n预计需要5-15秒"

	TextHintReply = "请直接转发Word/Excel文件给我，我会帮您转换为PDF 📄\n\n发送「帮助」查看使用说明"

	OtherTypeReply = "请发送Word或Excel文件，我会帮您转换为PDF 📄"

	HelpReply = "📄 作业排版助手使用说明\n\n" +
		"1️⃣ 在班级群里长按作业文件\n" +
		"2️⃣ 选择\"转发\" → 转发给本公众号\n" +
		"3️⃣ 等待5-15秒，自动收到PDF\n" +
		"4️⃣ 转发PDF给打印机小程序\n\n" +
		"✅ 支持格式: Word, Excel, PowerPoint\n" +
		"⏱️ 转换时间: 通常5-15秒\n" +
		"📱 完美还原Windows排版，告别打印错乱！"

	DeliveryFailedNotice = "⚠️ PDF生成成功但发送失败，请稍后重试。\n\n提示：如果反复失败，可能是公众号未开通客服消息权限。"

	supportedFormatsLine = "支持格式: Word(.doc/.docx), Excel(.xls/.xlsx), PPT(.ppt/.pptx)"
)

// Notice kinds reported to metrics.
const (
	NoticeFailure         = "failure"
	NoticeDeliveryFailure = "delivery_failure"
)

var helpKeywords = map[string]struct{}{
	"帮助":   {},
	"help": {},
	"?":    {},
	"？":    {},
	"h":    {},
}

// IsHelpRequest reports whether a text message asks for usage help.
func IsHelpRequest(content string) bool {
	_, ok := helpKeywords[strings.ToLower(strings.TrimSpace(content))]
	return ok
}

// TextReplyFor picks the reply for a text message.
func TextReplyFor(content string) string {
	if IsHelpRequest(content) {
		return HelpReply
	}
	return TextHintReply
}

// FailureNotice renders the notice sent when a job fails before delivery.
// Only the user-facing message of err is shown.
func FailureNotice(err error) string {
	cause := apperrors.GetUserMessage(err)
	var unsupported *converter.UnsupportedFormatError
	if errors.As(err, &unsupported) && unsupported.Extension != "" {
		cause = fmt.Sprintf("%s (%s)", cause, unsupported.Extension)
	}
	return fmt.Sprintf("❌ 转换失败: %s\n\n%s", cause, supportedFormatsLine)
}

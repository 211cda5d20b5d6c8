// Package message renders EC2 state changes as Slack Block Kit webhook messages.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nholik/ec2-state-notifier/internal/ec2event"
	"github.com/nholik/ec2-state-notifier/internal/enrich"
	"github.com/slack-go/slack"
)

const (
	StyleDetailed = "detailed"
	StyleCompact  = "compact"

	// TimeLayout matches the timestamps operators already see in the channel.
	TimeLayout = "20060102 15:04:05"

	largeEBSGiB = 1024
	unknown     = "Unknown"
	notApplied  = "N/A"

	// Block Kit text limits, in characters. Longer text makes the webhook answer 400.
	headerTextLimit  = 150
	sectionTextLimit = 3000
	fieldTextLimit   = 2000
	contextTextLimit = 3000
	buttonValueLimit = 2000
	ellipsis         = "…"

	tagsFieldPrefix = "*Tags:*\n```"
	tagsFieldSuffix = "```"
)

// Override replaces the title and/or subtitle for one state.
type Override struct {
	Title    string
	Subtitle string
}

// Options configures a Builder.
type Options struct {
	Style     string
	Location  *time.Location
	Overrides map[string]Override
}

// Builder turns events into Slack messages. It holds no per-event state.
type Builder struct {
	style     string
	location  *time.Location
	overrides map[string]Override
}

// NewBuilder returns a Builder with defaults for unset options.
func NewBuilder(opts Options) *Builder {
	b := &Builder{
		style:     opts.Style,
		location:  opts.Location,
		overrides: opts.Overrides,
	}
	if b.style != StyleCompact {
		b.style = StyleDetailed
	}
	if b.location == nil {
		b.location = time.UTC
	}
	return b
}

// Build renders one event. The output depends only on the arguments and the Builder's options.
func (b *Builder) Build(event ec2event.StateChangeEvent, details enrich.Result) slack.WebhookMessage {
	tmpl, _ := lookupTemplate(event.State)
	title := tmpl.title
	subtitle := pick(tmpl.subtitles, event.InstanceID, event.State)
	if override, ok := b.overrides[string(event.State)]; ok {
		if override.Title != "" {
			title = override.Title
		}
		if override.Subtitle != "" {
			subtitle = override.Subtitle
		}
	}
	subtitle = strings.ReplaceAll(subtitle, userPlaceholder, username(details.Actor))

	text := b.summary(event, tmpl, details)

	var blocks []slack.Block
	if b.style == StyleCompact {
		blocks = b.compactBlocks(event, tmpl, details)
	} else {
		blocks = b.detailedBlocks(event, title, subtitle, details)
	}

	return slack.WebhookMessage{
		Text:   text,
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

func (b *Builder) summary(event ec2event.StateChangeEvent, tmpl template, details enrich.Result) string {
	subject := event.InstanceID
	if details.Instance != nil && details.Instance.Name != "" {
		subject = fmt.Sprintf("%s (%s)", details.Instance.Name, event.InstanceID)
	}
	return fmt.Sprintf("EC2 instance %s %s [%s] in %s at %s",
		subject, tmpl.phrase, event.State.Label(), orNA(event.Region), b.formatTime(event.Time))
}

func (b *Builder) detailedBlocks(event ec2event.StateChangeEvent, title, subtitle string, details enrich.Result) []slack.Block {
	header := slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", clamp(title, headerTextLimit), true, false))
	sub := slack.NewSectionBlock(slack.NewTextBlockObject("plain_text", clamp(subtitle, sectionTextLimit), true, false), nil, nil)

	blocks := []slack.Block{
		header,
		sub,
		slack.NewDividerBlock(),
		slack.NewSectionBlock(nil, instanceFields(event, details.Instance), nil),
		slack.NewDividerBlock(),
		slack.NewSectionBlock(nil, b.actorFields(event, details.Actor), nil),
	}

	if link := ConsoleURL(event.Region, event.InstanceID); link != "" {
		button := slack.NewButtonBlockElement("button-action", clamp(event.InstanceID, buttonValueLimit),
			slack.NewTextBlockObject("plain_text", "Go To AWS EC2", true, false))
		button.URL = link
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", "For more detail information 👉", false, false),
			nil,
			slack.NewAccessory(button),
		))
	}
	return blocks
}

func instanceFields(event ec2event.StateChangeEvent, instance *enrich.Instance) []*slack.TextBlockObject {
	name, instanceType, ebs, tags := notApplied, notApplied, notApplied, "{}"
	if instance != nil {
		name = orNA(instance.Name)
		instanceType = orNA(instance.InstanceType)
		ebs = formatEBS(instance.VolumeSizeGiB, instance.VolumeType)
		tags = formatTags(instance.Tags)
	}
	return []*slack.TextBlockObject{
		field(fmt.Sprintf("*Instance:*\n`%s`", event.InstanceID)),
		field("*Region:*\n" + orNA(event.Region)),
		field("*Name:*\n" + name),
		field("*Type:*\n" + instanceType),
		field("*EBS:*\n" + ebs),
		field(tagsFieldPrefix + tags + tagsFieldSuffix),
	}
}

func (b *Builder) actorFields(event ec2event.StateChangeEvent, actor *enrich.Actor) []*slack.TextBlockObject {
	arn := unknown
	when := event.Time
	if actor != nil {
		if actor.ARN != "" {
			arn = actor.ARN
		}
		if !actor.Time.IsZero() {
			when = actor.Time
		}
	}
	return []*slack.TextBlockObject{
		field("*Action By:*\n" + username(actor)),
		field("*IAM ARN:*\n" + arn),
		field("*Action Type:*\n" + string(event.State)),
		field("*Action Time:*\n" + b.formatTime(when)),
	}
}

func (b *Builder) compactBlocks(event ec2event.StateChangeEvent, tmpl template, details enrich.Result) []slack.Block {
	name := notApplied
	if details.Instance != nil {
		name = orNA(details.Instance.Name)
	}
	line := fmt.Sprintf("*%s* (`%s`) is *%s* by *%s* in %s",
		name, event.InstanceID, event.State.Label(), username(details.Actor), orNA(event.Region))

	elements := []slack.MixedElement{
		slack.NewImageBlockElement(imageEC2, "EC2 instance"),
		slack.NewTextBlockObject("mrkdwn", clamp(line, contextTextLimit), false, false),
	}
	if tmpl.image != "" {
		elements = append(elements, slack.NewImageBlockElement(tmpl.image, tmpl.imageAlt))
	}
	return []slack.Block{slack.NewContextBlock("", elements...)}
}

// ConsoleURL links to the instance in the EC2 console. Empty when region or id is unknown.
func ConsoleURL(region, instanceID string) string {
	if region == "" || instanceID == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.console.aws.amazon.com/ec2/home?region=%s#InstanceDetails:instanceId=%s",
		region, url.QueryEscape(region), url.QueryEscape(instanceID))
}

func (b *Builder) formatTime(t time.Time) string {
	if t.IsZero() {
		return unknown
	}
	return t.In(b.location).Format(TimeLayout)
}

func formatEBS(size int32, volumeType string) string {
	if size <= 0 && volumeType == "" {
		return notApplied
	}
	sizeText := notApplied
	if size > 0 {
		sizeText = fmt.Sprintf("%d", size)
	}
	text := fmt.Sprintf("%s GiB (%s)", sizeText, orNA(volumeType))
	if size > largeEBSGiB {
		text += "\n⚠️ Large EBS ⚠️"
	}
	return text
}

// formatTags renders tags as JSON, cut to fit the tags field.
func formatTags(tags map[string]string) string {
	if len(tags) == 0 {
		return "{}"
	}
	// encoding/json sorts map keys, so the output is stable.
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(tags); err != nil {
		return "{}"
	}
	limit := fieldTextLimit - utf8.RuneCountInString(tagsFieldPrefix) - utf8.RuneCountInString(tagsFieldSuffix)
	return clamp(strings.TrimSpace(buf.String()), limit)
}

func field(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject("mrkdwn", clamp(text, fieldTextLimit), false, false)
}

// clamp cuts s to at most limit characters, marking the cut with an ellipsis.
func clamp(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-utf8.RuneCountInString(ellipsis)]) + ellipsis
}

func username(actor *enrich.Actor) string {
	if actor == nil || actor.Username == "" {
		return unknown
	}
	return actor.Username
}

func orNA(value string) string {
	if value == "" {
		return notApplied
	}
	return value
}

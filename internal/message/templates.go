package message

import (
	"hash/fnv"

	"github.com/nholik/ec2-state-notifier/internal/ec2event"
)

// template is the per-state wording of a notification.
type template struct {
	title     string
	phrase    string
	image     string
	imageAlt  string
	subtitles []string
}

const userPlaceholder = "{user}"

var runningReminders = []string{
	"Billing is charging from this moment.",
	"Hourly charges are now in effect.",
	"Running and generating costs.",
	"Monitor usage to control expenses.",
	"Ensure you stop the instance when not needed.",
}

var stopReminders = []string{
	"EBS volume storage charges continue.",
	"Persistent EBS and allocated Elastic IP COSTS still apply.",
	"Stopping an EC2 instance does not STOP EBS or Elastic IP COSTS.",
	"EC2 instance is stopped; you will continue to incur EBS volume FEES.",
	"Remember to release Elastic IPs and delete unused volumes to avoid CHARGES.",
}

const (
	imageRocket   = "https://em-content.zobj.net/source/noto-emoji-animations/344/rocket_1f680.gif"
	imageSleeping = "https://em-content.zobj.net/source/animated-noto-color-emoji/356/sleeping-face_1f634.gif"
	imageMoney    = "https://em-content.zobj.net/source/animated-noto-color-emoji/356/money-mouth-face_1f911.gif"
	imageEC2      = "https://encrypted-tbn0.gstatic.com/images?q=tbn:ANd9GcRULf2JOHbvkPux8pEzQrkH70TVSpfgRMzgQA&s"
)

var templates = map[ec2event.State]template{
	ec2event.StateRunning: {
		title:     "🚀 EC2 Instance Started 🚀",
		phrase:    "has started",
		image:     imageRocket,
		imageAlt:  "space ship",
		subtitles: runningReminders,
	},
	ec2event.StateStopping: {
		title:     "😴 EC2 Instance Stopping 😴",
		phrase:    "is stopping",
		image:     imageSleeping,
		imageAlt:  "sleepy",
		subtitles: stopReminders,
	},
	ec2event.StateStopped: {
		title:     "🛑 EC2 Instance Stopped 🛑",
		phrase:    "has stopped",
		image:     imageSleeping,
		imageAlt:  "sleepy",
		subtitles: stopReminders,
	},
	ec2event.StateTerminated: {
		title:     "💀 EC2 Instance Terminated 💀",
		phrase:    "has been terminated",
		image:     imageMoney,
		imageAlt:  "rich",
		subtitles: []string{"Good job " + userPlaceholder + " 🥰🥰🥰"},
	},
}

func fallbackTemplate(state ec2event.State) template {
	return template{
		title:     "ℹ️ EC2 Instance " + state.Label() + " ℹ️",
		phrase:    "changed state to " + string(state),
		subtitles: []string{"Instance state changed to " + string(state) + "."},
	}
}

func lookupTemplate(state ec2event.State) (template, bool) {
	tmpl, ok := templates[state]
	if !ok {
		return fallbackTemplate(state), false
	}
	return tmpl, true
}

// pick chooses a subtitle by hashing the instance and state so identical events render identically.
func pick(options []string, instanceID string, state ec2event.State) string {
	if len(options) == 0 {
		return ""
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	_, _ = h.Write([]byte{'/'})
	_, _ = h.Write([]byte(state))
	return options[h.Sum32()%uint32(len(options))]
}

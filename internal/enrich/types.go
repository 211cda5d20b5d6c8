package enrich

import "time"

// Instance describes an EC2 instance as seen by DescribeInstances/DescribeVolumes.
type Instance struct {
	Name          string
	InstanceType  string
	VolumeSizeGiB int32
	VolumeType    string
	Tags          map[string]string
}

// Actor identifies who triggered a state change, from CloudTrail.
type Actor struct {
	Username string
	ARN      string
	Time     time.Time
}

// Result carries whatever enrichment succeeded. Nil fields mean the lookup was skipped or failed.
type Result struct {
	Instance *Instance
	Actor    *Actor
}

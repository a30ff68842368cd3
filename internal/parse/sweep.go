package parse

import (
	"strconv"
	"strings"

	"github.com/banshee-data/lidarview/internal/pointcloud"
)

// SweepTextDecoder decodes the pan/tilt rig's text format:
//
//	inclination|d;i;a;d;i;a;...;next_inclination|d;i;a;...
//
// The first field of the first group is the starting inclination. Each
// group then holds distance;intensity;pan_angle triples, and a lone trailing
// value becomes the inclination for the next group. Unparseable tokens are
// skipped one at a time so a single corrupt value does not lose the group.
type SweepTextDecoder struct{}

func (SweepTextDecoder) Decode(payload []byte) (Batch, error) {
	msg := strings.TrimSpace(string(payload))
	if msg == "" {
		return Batch{}, malformed("sweep: empty payload")
	}

	var batch Batch
	var incl float64
	haveIncl := false

	for _, group := range strings.Split(msg, "|") {
		if group == "" {
			continue
		}
		parts := strings.Split(group, ";")
		if !haveIncl {
			v, err := parseSweepFloat(parts[0])
			if err != nil {
				return Batch{}, malformed("sweep: leading inclination %q: %v", parts[0], err)
			}
			incl, haveIncl = v, true
			parts = parts[1:]
		}

		i := 0
		for i+2 < len(parts) {
			d, errD := parseSweepFloat(parts[i])
			in, errI := parseSweepFloat(parts[i+1])
			a, errA := parseSweepFloat(parts[i+2])
			if errD != nil || errI != nil || errA != nil {
				i++
				continue
			}
			s := pointcloud.RawSample{
				Distance:  d,
				Angle1:    a,
				Angle2:    pointcloud.Float64(incl),
				Intensity: in,
			}
			if s.Validate() == nil {
				batch.Samples = append(batch.Samples, s)
			}
			i += 3
		}
		if i < len(parts) {
			if v, err := parseSweepFloat(parts[i]); err == nil {
				incl = v
			}
		}
	}
	return batch, nil
}

func parseSweepFloat(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}

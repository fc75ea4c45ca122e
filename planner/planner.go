// Package planner computes partition resize plans. Planning is a pure
// function over inventory snapshots: no I/O, no clock, byte-exact output.
// The boot agents execute plans; this package only decides feasibility and
// target sizes.
package planner

import (
	"fmt"
	"math/bits"

	"github.com/mrveiss/pureboot-sub001/interfaces"
)

// BuildPlan produces a resize plan adapting the source disk layout to a
// target disk of targetSizeBytes, according to the resize mode. The returned
// plan is always populated; check Feasible before using it. When infeasible,
// BlockingPartition and Reason identify what cannot fit.
func BuildPlan(source interfaces.DiskSnapshot, targetSizeBytes int64, mode interfaces.ResizeMode) (interfaces.ResizePlan, error) {
	if targetSizeBytes <= 0 {
		return interfaces.ResizePlan{}, fmt.Errorf("target size must be positive, got %d", targetSizeBytes)
	}

	switch mode {
	case interfaces.ResizeNone:
		return planIdentity(source, targetSizeBytes), nil
	case interfaces.ResizeShrinkSource:
		return planShrink(source, targetSizeBytes), nil
	case interfaces.ResizeGrowTarget:
		return planGrow(source, targetSizeBytes), nil
	default:
		return interfaces.ResizePlan{}, fmt.Errorf("invalid resize mode %q", mode)
	}
}

// BuildPlanForDisks is BuildPlan with the target size taken from a scanned
// target snapshot.
func BuildPlanForDisks(source, target interfaces.DiskSnapshot, mode interfaces.ResizeMode) (interfaces.ResizePlan, error) {
	return BuildPlan(source, target.SizeBytes, mode)
}

func planIdentity(source interfaces.DiskSnapshot, targetSizeBytes int64) interfaces.ResizePlan {
	plan := interfaces.ResizePlan{
		Mode:            interfaces.ResizeNone,
		TargetSizeBytes: targetSizeBytes,
		Partitions:      keepAll(source.Partitions),
	}

	if targetSizeBytes < source.SizeBytes {
		plan.Reason = fmt.Sprintf("target disk (%d bytes) is smaller than source disk (%d bytes); insufficient target size for an identity copy",
			targetSizeBytes, source.SizeBytes)
		return plan
	}

	plan.Feasible = true
	return plan
}

func planShrink(source interfaces.DiskSnapshot, targetSizeBytes int64) interfaces.ResizePlan {
	plan := interfaces.ResizePlan{
		Mode:            interfaces.ResizeShrinkSource,
		TargetSizeBytes: targetSizeBytes,
	}

	var sourceTotal, fixedTotal, minTotal int64
	for _, p := range source.Partitions {
		sourceTotal += p.SizeBytes
		if p.CanShrink {
			minTotal += minShrinkSize(p)
		} else {
			fixedTotal += p.SizeBytes
			minTotal += p.SizeBytes
		}
	}

	// Already fits: nothing to shrink.
	if sourceTotal <= targetSizeBytes {
		plan.Partitions = keepAll(source.Partitions)
		plan.Feasible = true
		return plan
	}

	if minTotal > targetSizeBytes {
		blocking := largestImmovable(source.Partitions)
		plan.Partitions = keepAll(source.Partitions)
		plan.BlockingPartition = blocking.Number
		plan.Reason = fmt.Sprintf("partition %d cannot shrink below %d bytes; maximal shrink still needs %d bytes but target disk has %d",
			blocking.Number, minShrinkSize(blocking), minTotal, targetSizeBytes)
		return plan
	}

	// Distribute the deficit proportionally across shrinkable partitions,
	// clamped to each partition's minimum. A remainder pass keeps the result
	// byte-exact.
	deficit := sourceTotal - targetSizeBytes
	var slackTotal int64
	for _, p := range source.Partitions {
		if p.CanShrink {
			slackTotal += p.SizeBytes - minShrinkSize(p)
		}
	}

	shrinkBy := make(map[int]int64, len(source.Partitions))
	var taken int64
	for _, p := range source.Partitions {
		if !p.CanShrink {
			continue
		}
		slack := p.SizeBytes - minShrinkSize(p)
		cut := proportionalCut(deficit, slack, slackTotal)
		shrinkBy[p.Number] = cut
		taken += cut
	}
	// Floor rounding above loses less than one byte per shrinkable partition,
	// so the remainder is below the shrinkable partition count.
	for remainder := deficit - taken; remainder > 0; {
		progressed := false
		for _, p := range source.Partitions {
			if remainder == 0 {
				break
			}
			if !p.CanShrink {
				continue
			}
			if p.SizeBytes-shrinkBy[p.Number] > minShrinkSize(p) {
				shrinkBy[p.Number]++
				remainder--
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	plan.Partitions = make([]interfaces.PlannedPartition, 0, len(source.Partitions))
	for _, p := range source.Partitions {
		planned := interfaces.PlannedPartition{
			Number:          p.Number,
			Action:          interfaces.ActionKeep,
			SourceSizeBytes: p.SizeBytes,
			TargetSizeBytes: p.SizeBytes,
		}
		if cut := shrinkBy[p.Number]; cut > 0 {
			planned.Action = interfaces.ActionShrink
			planned.TargetSizeBytes = p.SizeBytes - cut
		}
		plan.Partitions = append(plan.Partitions, planned)
	}

	plan.Feasible = true
	return plan
}

func planGrow(source interfaces.DiskSnapshot, targetSizeBytes int64) interfaces.ResizePlan {
	plan := interfaces.ResizePlan{
		Mode:            interfaces.ResizeGrowTarget,
		TargetSizeBytes: targetSizeBytes,
	}

	if targetSizeBytes < source.SizeBytes {
		plan.Partitions = keepAll(source.Partitions)
		plan.Reason = fmt.Sprintf("target disk (%d bytes) is smaller than source disk (%d bytes); grow_target requires a larger target",
			targetSizeBytes, source.SizeBytes)
		return plan
	}

	if len(source.Partitions) == 0 {
		plan.Feasible = true
		return plan
	}

	// Everything but the last partition keeps its size; the last one consumes
	// whatever target space remains.
	var othersTotal int64
	plan.Partitions = make([]interfaces.PlannedPartition, 0, len(source.Partitions))
	for i, p := range source.Partitions {
		planned := interfaces.PlannedPartition{
			Number:          p.Number,
			Action:          interfaces.ActionKeep,
			SourceSizeBytes: p.SizeBytes,
			TargetSizeBytes: p.SizeBytes,
		}
		if i == len(source.Partitions)-1 {
			planned.TargetSizeBytes = targetSizeBytes - othersTotal
			if planned.TargetSizeBytes > p.SizeBytes {
				planned.Action = interfaces.ActionGrow
			}
		} else {
			othersTotal += p.SizeBytes
		}
		plan.Partitions = append(plan.Partitions, planned)
	}

	plan.Feasible = true
	return plan
}

// proportionalCut returns floor(deficit*slack/slackTotal) using 128-bit
// intermediate arithmetic: the direct int64 product overflows for disks in
// the hundreds-of-gigabytes range. Requires 0 <= slack <= slackTotal and
// 0 <= deficit <= slackTotal, which planShrink guarantees once feasibility
// is established; the quotient then never exceeds deficit.
func proportionalCut(deficit, slack, slackTotal int64) int64 {
	hi, lo := bits.Mul64(uint64(deficit), uint64(slack))
	quot, _ := bits.Div64(hi, lo, uint64(slackTotal))
	return int64(quot)
}

func keepAll(partitions []interfaces.PartitionInfo) []interfaces.PlannedPartition {
	planned := make([]interfaces.PlannedPartition, 0, len(partitions))
	for _, p := range partitions {
		planned = append(planned, interfaces.PlannedPartition{
			Number:          p.Number,
			Action:          interfaces.ActionKeep,
			SourceSizeBytes: p.SizeBytes,
			TargetSizeBytes: p.SizeBytes,
		})
	}
	return planned
}

// minShrinkSize returns the smallest size a shrinkable partition may take.
// A snapshot that flags a partition shrinkable but reports no minimum falls
// back to the used byte count.
func minShrinkSize(p interfaces.PartitionInfo) int64 {
	if !p.CanShrink {
		return p.SizeBytes
	}
	if p.MinSizeBytes > 0 {
		return p.MinSizeBytes
	}
	return p.UsedBytes
}

func largestImmovable(partitions []interfaces.PartitionInfo) interfaces.PartitionInfo {
	var blocking interfaces.PartitionInfo
	var blockingMin int64 = -1
	for _, p := range partitions {
		if min := minShrinkSize(p); min > blockingMin {
			blocking = p
			blockingMin = min
		}
	}
	return blocking
}

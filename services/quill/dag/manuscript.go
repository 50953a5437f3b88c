// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"time"

	"github.com/AleutianAI/AleutianQuill/services/quill/workflow"
)

// DefaultGraphName is the name of the built-in manuscript pipeline.
const DefaultGraphName = "manuscript"

// DefaultManuscriptTasks returns the standard manuscript analysis pipeline.
//
// Structure and character analysis are the foundation; consistency, pacing
// and dialogue build on them; synthesis and market fit run last and are not
// parallel-safe because they read every other category.
func DefaultManuscriptTasks() []workflow.Task {
	return []workflow.Task{
		{
			ID:                string(workflow.TaskStructure),
			Type:              workflow.TaskStructure,
			ParallelSafe:      true,
			Required:          true,
			Priority:          workflow.PriorityCritical,
			EstimatedDuration: 40 * time.Second,
		},
		{
			ID:                string(workflow.TaskCharacter),
			Type:              workflow.TaskCharacter,
			ParallelSafe:      true,
			Required:          true,
			Priority:          workflow.PriorityHigh,
			EstimatedDuration: 45 * time.Second,
		},
		{
			ID:                string(workflow.TaskStyle),
			Type:              workflow.TaskStyle,
			ParallelSafe:      true,
			Priority:          workflow.PriorityMedium,
			EstimatedDuration: 30 * time.Second,
		},
		{
			ID:                string(workflow.TaskDialogue),
			Type:              workflow.TaskDialogue,
			Dependencies:      []string{string(workflow.TaskCharacter)},
			ParallelSafe:      true,
			Priority:          workflow.PriorityHigh,
			EstimatedDuration: 35 * time.Second,
		},
		{
			ID:                string(workflow.TaskPacing),
			Type:              workflow.TaskPacing,
			Dependencies:      []string{string(workflow.TaskStructure)},
			ParallelSafe:      true,
			Priority:          workflow.PriorityMedium,
			EstimatedDuration: 30 * time.Second,
		},
		{
			ID:                string(workflow.TaskPlotConsistency),
			Type:              workflow.TaskPlotConsistency,
			Dependencies:      []string{string(workflow.TaskStructure), string(workflow.TaskCharacter)},
			ParallelSafe:      true,
			Required:          true,
			Priority:          workflow.PriorityHigh,
			EstimatedDuration: 60 * time.Second,
		},
		{
			ID:                string(workflow.TaskWorldbuilding),
			Type:              workflow.TaskWorldbuilding,
			Dependencies:      []string{string(workflow.TaskStructure)},
			ParallelSafe:      true,
			Priority:          workflow.PriorityLow,
			EstimatedDuration: 50 * time.Second,
		},
		{
			ID:                string(workflow.TaskTheme),
			Type:              workflow.TaskTheme,
			Dependencies:      []string{string(workflow.TaskStructure), string(workflow.TaskCharacter)},
			ParallelSafe:      true,
			Priority:          workflow.PriorityLow,
			EstimatedDuration: 40 * time.Second,
		},
		{
			ID:                string(workflow.TaskMarketFit),
			Type:              workflow.TaskMarketFit,
			Dependencies:      []string{string(workflow.TaskTheme), string(workflow.TaskStyle)},
			Priority:          workflow.PriorityLow,
			EstimatedDuration: 90 * time.Second,
		},
		{
			ID:   string(workflow.TaskSynthesis),
			Type: workflow.TaskSynthesis,
			Dependencies: []string{
				string(workflow.TaskPlotConsistency),
				string(workflow.TaskPacing),
				string(workflow.TaskDialogue),
			},
			Required:          true,
			Priority:          workflow.PriorityHigh,
			EstimatedDuration: 60 * time.Second,
		},
	}
}

// DefaultManuscriptGraph builds and validates the standard pipeline.
func DefaultManuscriptGraph() (*TaskGraph, error) {
	return Build(DefaultGraphName, DefaultManuscriptTasks()...)
}

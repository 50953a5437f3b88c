// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package workflow defines the data model shared by the Quill orchestration core.
//
// A manuscript run is described by a static graph of Tasks. Each iteration the
// coordinator schedules Actions (one per selected Task), executes them through
// external executors, and folds the resulting ActionResults into a new
// WorkflowState. Everything in this package is plain data plus small helpers;
// scheduling and persistence live in sibling packages.
package workflow

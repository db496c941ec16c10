/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

/*
Package clock provides the local clock a PTP slave port steers.

SysClock drives a kernel clock (CLOCK_REALTIME by default) through the
clock_adjtime syscall: reading and adjusting its frequency in PPB, stepping
it, and marking it synchronized.

FreeRunning is a clock that can be read but never adjusted. Adjustments are
recorded and logged, which makes it suitable for monitoring-only deployments
where the daemon has no permission to touch the system clock.
*/
package clock

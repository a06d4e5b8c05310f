// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*

Package ipupm is the host side power and resource broker for the two
auxiliary Cortex-M3 cores of an OMAP4 class SoC (SysM3, the primary, and
AppM3, the optional secondary).

The remote cores lease host resources (DMA channels, GP timers, I2C buses,
GPIOs, the regulator, auxiliary clocks and logical subsystems such as the
L3 bus and IVA-HD) and place QoS constraints by filling a Resource Control
Block in a shared control table and sending a 32-bit message word. Each
attached core has a bounded queue drained in order by its own worker; every
dequeued request is answered with an ack carrying a status.

The host in turn notifies the cores of suspend, resume, hibernate and
process exit events, and hibernates them: once both report idle the
secondary is put to sleep before the primary and the mailbox and MMU
context is saved; restore wakes them in the reverse order.

Hardware access goes through narrow interfaces (Transport, Board,
ProcController and the allocators in Platform). RPMsgTransport,
DevMemBoard and SysfsProcs implement them with rpmsg character devices,
/dev/mem mappings and the remoteproc sysfs interface
(https://docs.kernel.org/staging/remoteproc.html).

*/
package ipupm

// Copyright 2026 The Zaparoo Project Contributors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pn532

// PN532 Command codes
const (
	cmdGetFirmwareVersion  = 0x02
	cmdReadRegister        = 0x06
	cmdWriteRegister       = 0x08
	cmdSamConfiguration    = 0x14
	cmdRFConfiguration     = 0x32
	cmdInDataExchange      = 0x40
	cmdInCommunicateThru   = 0x42
	cmdInListPassiveTarget = 0x4A
	cmdInRelease           = 0x52
)

// RFConfiguration items
const (
	rfItemField      = 0x01
	rfItemTimings    = 0x02
	rfItemMaxRetries = 0x05
)

// RF field item values: bit0 RF on, bit1 AutoRFCA.
const (
	rfFieldOff = 0x00
	rfFieldOn  = 0x01
)

// InListPassiveTarget baud rate / modulation types
const (
	targetTypeA = 0x00
	targetTypeB = 0x03
)

// CIU registers of the embedded PN512 core (PN532 User Manual 8.6)
const (
	regCIUTxMode     uint16 = 0x6302
	regCIURxMode     uint16 = 0x6303
	regCIUCWGsP      uint16 = 0x6318
	regCIUBitFraming uint16 = 0x633D
)

// CIU TxMode/RxMode fields
const (
	ciuModeCRC       byte = 0x80
	ciuFramingA      byte = 0x00
	ciuFramingF      byte = 0x02
	ciuFramingB      byte = 0x03
	ciuSpeedShift         = 4
	ciuCWGsPMask     byte = 0x3F
	ciuDefaultMode   byte = ciuModeCRC
	ciuDefaultFrames byte = 0x00
)

// Response timeout codes for the RFConfiguration timings item: code n
// selects 100us * 2^(n-1), code 0 means no timeout.
const (
	timeoutCodeDefault byte = 0x07
	timeoutCodeMax     byte = 0x10
)

// Reader status bytes
const (
	statusRFTimeout = StatusTimeout
	tfiError        = 0x7F
)

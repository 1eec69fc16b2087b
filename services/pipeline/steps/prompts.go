// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package steps

import (
	"fmt"
	"strings"
)

// DefaultDispatchPrototype is applied by SetDispatchPrototype.
const DefaultDispatchPrototype = "NTSTATUS DriverDispatch(_DEVICE_OBJECT *DeviceObject, _IRP *Irp);"

const analystSystemPrompt = "You are a Windows kernel driver reverse engineer. " +
	"You operate the disassembler through the tools you have been given. " +
	"Follow the steps exactly and answer only in the requested format."

const apiWriterSystemPrompt = "You are a technical writer who knows the Windows kernel API surface."

func discoverCallersPrompt() string {
	return strings.Join([]string{
		"Use explicit tool calls to complete the following:",
		"1. Call list_imports() and find the address of IoCreateDevice in the import table. Call it Addr.",
		"2. Call get_xrefs_to(Addr) and collect every address that references IoCreateDevice.",
		"3. For each reference, call get_func_containing (or equivalent) to find the start address and name of the containing function.",
		`4. Return only a JSON array whose elements look like {"address":"0x140001000","func_name":"sub_140001000"}, de-duplicated and sorted by address. Do not add any explanation.`,
	}, "\n")
}

func resolveHandlerPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Analyse function %[1]s at address %[2]s.",
		"Follow these steps exactly:",
		"1. Call decompile_function with the address and func_name above.",
		"2. Find the call to IoCreateDevice in the pseudocode and inspect its first argument, DriverObject.",
		"3. Find the assignment to DriverObject->MajorFunction[14] (IRP_MJ_DEVICE_CONTROL) and determine the address and name of the handler it points to.",
		`4. Return only a JSON object such as {"address":"0x140001830","func_name":"sub_140001830"}. No explanation.`,
	}, "\n"), name, address)
}

func enumerateChildrenPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Analyse function %[1]s at address %[2]s.",
		"1. Use decompile_function and the disassembly to identify every function it calls directly.",
		"2. For each call determine the target address and name. For imported APIs use the import name and write the IAT entry address.",
		`3. Sort by address, de-duplicate, and return a JSON array whose elements look like {"address":"0x140001B80","name":"sub_140001B80","type":"internal"}.`,
		"   type=internal is a function inside this binary; type=external is an imported or external symbol.",
		"4. Output JSON only.",
	}, "\n"), name, address)
}

func describeInternalPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Analyse internal function %[1]s starting at %[2]s.",
		"Follow these steps exactly:",
		"1. Call decompile_function with address and func_name to obtain the pseudocode.",
		"2. Summarise what the function does, its key parameters and return value, and important branches or calls.",
		"3. Output Markdown:",
		"   * A level-one heading with the function name.",
		"   * A \"Definition\" section with the most plausible C prototype in a ```c block.",
		"   * A \"Description\" section of one or two paragraphs.",
		"   * If the function copies or moves memory (memcpy, memmove, RtlCopyMemory and similar), append `# MEM #` at the end of the description.",
		"4. End with `> Address: %[2]s`.",
		"5. Output Markdown only.",
	}, "\n"), name, address)
}

func describeExternalPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Using public Windows driver documentation, describe the kernel API `%[1]s`.",
		"Format:",
		"1. A level-one heading with the function name.",
		"2. A \"Definition\" section with the C prototype in a ```c block.",
		"3. A \"Description\" section of one or two paragraphs covering purpose, key parameters and typical use.",
		"4. End with `> IAT Address: %[2]s`.",
		"5. Output Markdown only.",
	}, "\n"), name, address)
}

func memoryParametersPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Analyse function %[1]s at address %[2]s.",
		"Decide which parameters, if any, supply the address of a memory read, write or copy.",
		"1. Call decompile_function with address and func_name.",
		"2. Locate memcpy/memmove/Rtl*Memory, memset and hand-written buffer loops.",
		"3. For each operation trace where its target address comes from and confirm whether it is a parameter or derived from one.",
		"4. Return a JSON object:",
		"{",
		`  "function": {"name": "...", "address": "0x..."},`,
		`  "has_memory_address_param": true/false,`,
		`  "memory_parameters": [`,
		`    {"param": "a1", "operation": "copy|move|write|read", "description": "...", "evidence": "RtlCopyMemory(a1, ..., length)"}`,
		"  ],",
		`  "notes": "optional"`,
		"}",
		"If there is no such parameter, memory_parameters is empty and has_memory_address_param is false.",
		"Return JSON only.",
	}, "\n"), name, address)
}

// IRPLayout is the x64 IRP structure definition embedded in analysis
// prompts.
const IRPLayout = `typedef struct _IRP {
  CSHORT                    Type;
  USHORT                    Size;
  PMDL                      MdlAddress;
  ULONG                     Flags;
  union {
    struct _IRP     *MasterIrp;
    __volatile LONG IrpCount;
    PVOID           SystemBuffer;
  } AssociatedIrp;
  LIST_ENTRY                ThreadListEntry;
  IO_STATUS_BLOCK           IoStatus;
  KPROCESSOR_MODE           RequestorMode;
  BOOLEAN                   PendingReturned;
  CHAR                      StackCount;
  CHAR                      CurrentLocation;
  BOOLEAN                   Cancel;
  KIRQL                     CancelIrql;
  CCHAR                     ApcEnvironment;
  UCHAR                     AllocationFlags;
  union {
    PIO_STATUS_BLOCK UserIosb;
    PVOID            IoRingContext;
  };
  PKEVENT                   UserEvent;
  union {
    struct {
      union {
        PIO_APC_ROUTINE UserApcRoutine;
        PVOID           IssuingProcess;
      };
      union {
        PVOID                 UserApcContext;
        struct _IORING_OBJECT *IoRing;
      };
    } AsynchronousParameters;
    LARGE_INTEGER AllocationSize;
  } Overlay;
  __volatile PDRIVER_CANCEL CancelRoutine;
  PVOID                     UserBuffer;
  union {
    struct {
      union {
        KDEVICE_QUEUE_ENTRY DeviceQueueEntry;
        struct {
          PVOID DriverContext[4];
        };
      };
      PETHREAD     Thread;
      PCHAR        AuxiliaryBuffer;
      struct {
        LIST_ENTRY ListEntry;
        union {
          struct _IO_STACK_LOCATION *CurrentStackLocation;
          ULONG                     PacketType;
        };
      };
      PFILE_OBJECT OriginalFileObject;
    } Overlay;
    KAPC  Apc;
    PVOID CompletionKey;
  } Tail;
} IRP;`

func controlledAccessPrompt(name, address, contextMarkdown string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyse function %s at address %s and decide whether any kernel memory read or write is controlled by `IRP *Irp`.\n", name, address)
	b.WriteString("Follow these steps:\n")
	b.WriteString("1. Call decompile_function with the address and func_name above.\n")
	b.WriteString("2. Use this IRP layout to follow nested fields, especially AssociatedIrp.SystemBuffer:\n")
	b.WriteString(IRPLayout)
	b.WriteString("\n")
	b.WriteString("3. Check every memory access, copy and API call (memcpy/memmove/RtlCopyMemory/MmProbeAndLockPages, hand-written loops) and decide whether a source or destination pointer ultimately comes from Irp or its nested fields (Irp->AssociatedIrp.SystemBuffer, Irp->Tail.Overlay.CurrentStackLocation, Irp->UserBuffer, Irp->Tail.Overlay.DriverContext[]).\n")
	b.WriteString("4. Follow SystemBuffer, UserBuffer, MasterIrp and CurrentStackLocation->Parameters.DeviceIoControl closely and name the IoControlCode branch that reaches each path.\n")
	b.WriteString("5. Only pointers to buffers outside the IRP that a requester can steer through the IRP count. Accesses to the IRP's own fields do not.\n")
	b.WriteString("6. For each hit record the access type (read/write/copy/API), pointer role (source/dest/other), the pointer expression, the IoControlCode if known, and the key pseudocode or assembly evidence.\n")
	b.WriteString("7. When a path depends on a child function or external API, rely on the context below. Do not guess behaviour that neither the context nor the pseudocode shows.\n")
	b.WriteString("8. Output Markdown:\n")
	fmt.Fprintf(&b, "   # %s IRP-controlled memory access\n", name)
	fmt.Fprintf(&b, "   - address: `%s`\n", address)
	b.WriteString("   - verdict: IRP-controlled memory access present / absent\n")
	b.WriteString("   ## evidence\n")
	b.WriteString("   | operation | role | pointer source | IoControlCode | notes |\n")
	b.WriteString("   | --- | --- | --- | --- | --- |\n")
	b.WriteString("   If nothing is found, write \"No IRP-controlled memory pointer found\" instead of the table.\n")
	if strings.TrimSpace(contextMarkdown) != "" {
		b.WriteString("\nAdditional context (descriptions of children and earlier analysis):\n")
		b.WriteString(contextMarkdown)
		b.WriteString("\nPrefer this context when judging child functions or imported APIs.\n")
	}
	b.WriteString("9. No additional explanation.")
	return b.String()
}

func renameIoControlCodePrompt(name, address string) string {
	example := fmt.Sprintf(`{"address":"%s","func_name":"%s","old_name":"LowPart","new_name":"IoControlCode"}`, address, name)
	return fmt.Sprintf(strings.Join([]string{
		"Analyse function %[1]s (address %[2]s).",
		"1. Call decompile_function with the address and func_name above.",
		"2. Find the IoControlCode variable, a 4-byte ULONG usually read as",
		"   IoGetCurrentIrpStackLocation(Irp)->Parameters.DeviceIoControl.IoControlCode",
		"   or Irp->Tail.Overlay.CurrentStackLocation->Parameters.Read.ByteOffset.LowPart.",
		"3. Record its current local variable name as old_name.",
		"4. If old_name is not IoControlCode, rename it to IoControlCode with set_local_var_name or an equivalent script.",
		"5. Return a JSON object, for example %[3]s. Fill old_name truthfully even when no rename was needed.",
		"6. No additional explanation.",
	}, "\n"), name, address, example)
}

func dispatchPrototypePrompt(name, address, prototype string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Process function %[1]s (address %[2]s):",
		"1. Call decompile_function with the address and func_name above.",
		"2. Confirm that the IoControlCode local variable has been renamed. If not, report failure.",
		"3. Call set_function_prototype and change the prototype to:",
		"   `%[3]s`",
		`4. Return JSON {"address":"%[2]s","func_name":"%[1]s","prototype":"%[3]s","status":"ok"}.`,
		"   On failure return JSON with a status field and a reason.",
		"5. Return JSON only.",
	}, "\n"), name, address, prototype)
}

func memoryFlowPrompt(name, address string) string {
	return fmt.Sprintf(strings.Join([]string{
		"Analyse function %[1]s (address %[2]s) and trace how parameters flow into the addresses of memory accesses and copies.",
		"1. Call decompile_function with the address and func_name above.",
		"2. Identify every memory read, write, copy or initialisation (memcpy/memmove/Rtl*Memory, memset, hand-written loops).",
		"3. For each, trace the address computation and state whether a parameter supplies it directly or indirectly, including struct fields, locals and child calls on the way.",
		"4. Output Markdown:",
		"   # <function name> parameter-to-address flow",
		"   - address: `0x...`",
		"   - verdict: controllable parameter present / absent",
		"   ## parameter paths",
		"   | param | operation | path | evidence |",
		"   | --- | --- | --- | --- |",
		"   If there is none, write \"No parameter controls a memory address\".",
		"5. No additional explanation.",
	}, "\n"), name, address)
}
